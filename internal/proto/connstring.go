package proto

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrInvalidConnectionString = errors.New("proto: invalid connection string")

// ConnectionString packs everything a client needs to reach and verify a
// server: base64(ip(4) | port(2 LE) | [certificate public key X||Y]).
type ConnectionString struct {
	IP        net.IP
	Port      uint16
	PublicKey []byte
}

// Encode returns the base64 text form.
func (c *ConnectionString) Encode() (string, error) {
	ip4 := c.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%w: %v is not IPv4", ErrInvalidConnectionString, c.IP)
	}
	b := make([]byte, 0, 6+len(c.PublicKey))
	b = append(b, ip4...)
	b = binary.LittleEndian.AppendUint16(b, c.Port)
	b = append(b, c.PublicKey...)
	return base64.StdEncoding.EncodeToString(b), nil
}

// Addr returns host:port.
func (c *ConnectionString) Addr() string {
	return net.JoinHostPort(c.IP.String(), strconv.Itoa(int(c.Port)))
}

// ParseConnectionString decodes the base64 text form.
func ParseConnectionString(s string) (*ConnectionString, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConnectionString, err)
	}
	if len(b) < 6 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidConnectionString, len(b))
	}
	c := &ConnectionString{
		IP:   net.IPv4(b[0], b[1], b[2], b[3]).To4(),
		Port: binary.LittleEndian.Uint16(b[4:6]),
	}
	if len(b) > 6 {
		c.PublicKey = append([]byte(nil), b[6:]...)
	}
	return c, nil
}
