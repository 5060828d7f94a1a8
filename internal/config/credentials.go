package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Credential environment keys, read from credentials.env and the process environment.
const (
	EnvUserID = "HUB_USER_ID"
	EnvToken  = "HUB_TOKEN"
)

// Credentials identify the user towards the chat service.
type Credentials struct {
	UserID int64
	Token  string
}

// Valid reports whether both identity and token are present.
func (c Credentials) Valid() bool {
	return c.UserID > 0 && c.Token != ""
}

// LoadCredentials reads credentials from a dotenv file. Process environment
// variables of the same name take precedence. A missing file is not an error.
func LoadCredentials(path string) (Credentials, error) {
	values, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	if values == nil {
		values = map[string]string{}
	}
	for _, key := range []string{EnvUserID, EnvToken} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			values[key] = v
		}
	}

	var creds Credentials
	if raw := values[EnvUserID]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Credentials{}, fmt.Errorf("parse %s: %w", EnvUserID, err)
		}
		creds.UserID = id
	}
	creds.Token = values[EnvToken]
	return creds, nil
}

// SaveCredentials writes credentials as a dotenv file with 0600 permissions.
func SaveCredentials(path string, c Credentials) error {
	if err := godotenv.Write(map[string]string{
		EnvUserID: strconv.FormatInt(c.UserID, 10),
		EnvToken:  c.Token,
	}, path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}
