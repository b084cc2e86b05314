package mongo

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrInvalidScheme is returned when URI scheme is not mongodb or mongodb+srv.
	ErrInvalidScheme = errors.New("invalid mongo uri scheme")
	// ErrEmptyHost is returned when URI host is empty.
	ErrEmptyHost = errors.New("mongo uri host cannot be empty")
	// ErrInvalidPort is returned when URI port is outside the valid TCP range.
	ErrInvalidPort = errors.New("mongo uri port is invalid")
	// ErrPortNotAllowedForSRV is returned when a port is provided for mongodb+srv.
	ErrPortNotAllowedForSRV = errors.New("port cannot be set for mongodb+srv")
	// ErrPasswordWithoutUser is returned when password is set without username.
	ErrPasswordWithoutUser = errors.New("password requires username")
)

// URIConfig contains the components used to build a MongoDB URI.
type URIConfig struct {
	Scheme   string
	Username string
	Password string
	Host     string
	Port     string
	Database string
	Query    url.Values
}

// BuildURI validates cfg and returns a canonical MongoDB connection URI.
// Scheme, host, port, username, and database are whitespace-trimmed; the
// password is passed through untouched since trailing blanks are legal there.
func BuildURI(cfg URIConfig) (string, error) {
	scheme := strings.TrimSpace(cfg.Scheme)
	host := strings.TrimSpace(cfg.Host)
	port := strings.TrimSpace(cfg.Port)
	username := strings.TrimSpace(cfg.Username)

	if err := validateURIParts(scheme, host, port, username, cfg.Password); err != nil {
		return "", err
	}

	uri := url.URL{Scheme: scheme, Host: host, Path: "/"}

	if port != "" {
		uri.Host = net.JoinHostPort(host, port)
	}

	if username != "" {
		// url.UserPassword percent-encodes both parts. An empty password
		// renders as "username:@", which RFC 3986 permits.
		uri.User = url.UserPassword(username, cfg.Password)
	}

	if database := strings.TrimSpace(cfg.Database); database != "" {
		uri.Path = "/" + url.PathEscape(database)
	}

	if len(cfg.Query) > 0 {
		uri.RawQuery = cfg.Query.Encode()
	}

	return uri.String(), nil
}

func validateURIParts(scheme, host, port, username, password string) error {
	switch scheme {
	case "mongodb":
		if err := validatePort(port); err != nil {
			return err
		}
	case "mongodb+srv":
		if port != "" {
			return ErrPortNotAllowedForSRV
		}
	default:
		return ErrInvalidScheme
	}

	if host == "" {
		return ErrEmptyHost
	}

	if username == "" && password != "" {
		return ErrPasswordWithoutUser
	}

	return nil
}

func validatePort(port string) error {
	if port == "" {
		return nil
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return ErrInvalidPort
	}

	return nil
}
