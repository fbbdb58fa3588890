package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

type createCredentialRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Secret   string `json:"secret"`
}

// credentialResponse deliberately has no secret field; ciphertext never
// leaves the store through the API.
type credentialResponse struct {
	ID        int64                `json:"id"`
	Name      string               `json:"name"`
	Username  string               `json:"username"`
	Kind      types.CredentialKind `json:"kind"`
	CreatedAt time.Time            `json:"created_at"`
}

func credentialView(cred *types.Credential) credentialResponse {
	return credentialResponse{
		ID:        cred.ID,
		Name:      cred.Name,
		Username:  cred.Username,
		Kind:      cred.Kind,
		CreatedAt: cred.CreatedAt,
	}
}

func (s *Server) createCredential(c echo.Context) error {
	var req createCredentialRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" || req.Username == "" || req.Secret == "" {
		return badRequest(c, "name, username and secret are required")
	}
	kind, err := types.ParseCredentialKind(req.Kind)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ciphertext, err := s.secrets.Encrypt([]byte(req.Secret))
	if err != nil {
		return s.httpError(c, err)
	}

	cred := &types.Credential{
		Name:     req.Name,
		Username: req.Username,
		Kind:     kind,
		Secret:   ciphertext,
	}
	if err := s.store.CreateCredential(cred); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, credentialView(cred))
}

func (s *Server) listCredentials(c echo.Context) error {
	creds, err := s.store.ListCredentials()
	if err != nil {
		return s.httpError(c, err)
	}
	out := make([]credentialResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, credentialView(cred))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getCredential(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cred, err := s.store.GetCredential(id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, credentialView(cred))
}

func (s *Server) deleteCredential(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.store.DeleteCredential(id); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type testAccessRequest struct {
	CredentialID int64                    `json:"credential_id"`
	Hosts        []orchestrator.HostInput `json:"hosts"`
}

func (s *Server) testAccess(c echo.Context) error {
	var req testAccessRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.CredentialID == 0 {
		return badRequest(c, "credential_id is required")
	}

	result, err := s.orch.TestAccess(c.Request().Context(), req.CredentialID, req.Hosts)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
