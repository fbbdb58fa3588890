/*
Package security provides encryption for stored credentials.

Credential secrets (SSH private keys and passwords) are encrypted with
AES-256-GCM before they reach the store and are decrypted only at the
moment a job needs them. The API never returns secret material, encrypted
or not.

# Key Handling

The 32-byte key is derived with SHA-256 from the passphrase in the
RKE2D_ENCRYPTION_KEY environment variable. The daemon refuses to start
without it: losing the key means re-entering every credential, so it must
be provisioned deliberately.

Each encryption uses a fresh random nonce prepended to the ciphertext;
encrypting the same secret twice never yields the same bytes.

# Usage

	sm, err := security.NewSecretsManagerFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("RKE2D_ENCRYPTION_KEY is required")
	}

	ciphertext, err := sm.Encrypt(plaintext)
	plaintext, err := sm.Decrypt(ciphertext)
*/
package security
