/*
Package security encrypts password-typed action config values.

Values of type password and secrettext are stored encrypted with AES-256-GCM
and carry the EncryptedPrefix marker. The config builder of a job decrypts
them with the same SecretsManager right before config.json is written into
the job work directory.

	stored:   $FOREMAN_ENC$<base64(nonce || ciphertext)>
	rendered: plaintext in <run_dir>/<job_id>/config.json

The key lives in a hex-encoded file (default <data_dir>/secret.key,
mode 0600) created on first use by LoadOrCreateKeyFile. Every process that
renders configs (scheduler host runners and pool workers) must read the
same key file.
*/
package security
