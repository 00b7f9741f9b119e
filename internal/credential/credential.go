// Package credential holds outbound mail credentials and the rotating pool
// the dispatcher allocates them from.
package credential

import (
	"fmt"
	"net"
	"strconv"
)

// Credential is one set of outbound mail authentication parameters. User is
// the identity of the credential within a pool.
type Credential struct {
	User   string `json:"user" yaml:"user" validate:"required"`
	Secret string `json:"secret" yaml:"secret" validate:"required"`
	Host   string `json:"host" yaml:"host" validate:"required,max=253"`
	Port   int    `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
}

// WithDefaults returns a copy of c with an empty host or port replaced.
func (c Credential) WithDefaults(host string, port int) Credential {
	if c.Host == "" {
		c.Host = host
	}
	if c.Port == 0 {
		c.Port = port
	}
	return c
}

// Addr returns host:port.
func (c Credential) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String identifies the credential without exposing its secret.
func (c Credential) String() string {
	if c.Host == "" {
		return c.User
	}
	return fmt.Sprintf("%s@%s", c.User, c.Addr())
}

// GoString keeps %#v from printing the secret.
func (c Credential) GoString() string {
	return fmt.Sprintf("credential.Credential{User:%q, Host:%q, Port:%d}", c.User, c.Host, c.Port)
}
