package registry

import "errors"

// ErrProfileNotFound is returned when an activation or lookup names a
// profile id the registry file does not hold. The wording reaches the
// operator unchanged.
var ErrProfileNotFound = errors.New("Cliente/API nao encontrado para ativacao.")
