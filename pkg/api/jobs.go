package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/events"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

func (s *Server) installCluster(c echo.Context) error {
	id, err := pathID(c, "cluster_id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if cluster.Kind != types.ClusterKindFresh {
		return badRequest(c, "installation is only supported for clusters created by this controller")
	}

	job, err := s.orch.Install(id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) uninstallCluster(c echo.Context) error {
	id, err := pathID(c, "cluster_id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if cluster.Kind != types.ClusterKindFresh {
		return badRequest(c, "uninstall is only supported for clusters created by this controller")
	}
	if c.QueryParam("confirmation") != cluster.Name {
		return badRequest(c, "confirmation text does not match the cluster name")
	}

	job, err := s.orch.Uninstall(id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) listJobs(c echo.Context) error {
	var clusterID int64
	if raw := c.QueryParam("cluster_id"); raw != "" {
		var err error
		clusterID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return badRequest(c, "cluster_id must be an integer")
		}
	}
	jobs, err := s.store.ListJobs(clusterID)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) terminateJob(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if _, err := s.store.GetJob(id); err != nil {
		return s.httpError(c, err)
	}
	if err := s.orch.Cancel(id); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "terminating"})
}

// streamJob serves the job's output as server-sent events: the full history
// first, then live chunks until the job reaches a terminal state or the
// client goes away. For a job whose bus is already gone the persisted output
// is replayed instead.
func (s *Server) streamJob(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		return s.httpError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	bus, ok := s.hub.Get(id)
	if !ok {
		if job.Output != "" {
			if err := writeEvent(w, events.Chunk{Index: 0, Data: job.Output}); err != nil {
				return nil
			}
		}
		writeEnd(w)
		return nil
	}

	snapshot, sub := bus.Subscribe()
	defer func() {
		sub.Cancel()
		s.hub.Release(id)
	}()

	for _, chunk := range snapshot {
		if err := writeEvent(w, chunk); err != nil {
			return nil
		}
	}

	ctx := c.Request().Context()
	for {
		select {
		case chunk, open := <-sub.Ch():
			if !open {
				writeEnd(w)
				return nil
			}
			if err := writeEvent(w, chunk); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func writeEvent(w *echo.Response, chunk events.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func writeEnd(w *echo.Response) {
	fmt.Fprint(w, "event: end\ndata: {}\n\n")
	w.Flush()
}
