package apiclient

import "errors"

// These errors keep the exact wording the downstream operators see: login
// failures are persisted on the outbox row that triggered them.
var (
	// ErrNoLoginURL indicates API_LOGIN_URL (or the profile login URL) is empty.
	ErrNoLoginURL = errors.New("API_LOGIN_URL nao configurada")

	// ErrNoCredentials indicates the API user or password is empty.
	ErrNoCredentials = errors.New("API_USER/API_PASS nao configurados")

	// ErrNoBaseURL indicates neither a base URL nor a login URL to derive
	// it from was configured.
	ErrNoBaseURL = errors.New("API_BASE_URL ou API_LOGIN_URL precisa estar configurado")

	// ErrInvalidLoginURL indicates the login URL does not parse as an
	// absolute URL.
	ErrInvalidLoginURL = errors.New("API_LOGIN_URL invalida")

	// ErrLoginFailed indicates the login endpoint answered with a
	// non-success status.
	ErrLoginFailed = errors.New("falha no login da API")

	// ErrNoToken indicates the login response carried no usable token
	// under any of the accepted keys.
	ErrNoToken = errors.New("resposta de login sem token valido")

	// ErrEmptyEndpoint indicates a POST was attempted without an endpoint
	// path.
	ErrEmptyEndpoint = errors.New("endpoint da API nao informado")
)
