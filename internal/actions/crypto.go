package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"
	"github.com/rendis/hero/pkg/schema"
)

// CryptoActions returns the hash, hmac and uuid actions.
func CryptoActions() []Action {
	return []Action{
		&cryptoHashAction{},
		&cryptoHMACAction{},
		&cryptoUUIDAction{},
	}
}

var digests = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"sha1":   sha1.New,
	"md5":    md5.New,
}

var encoders = map[string]func([]byte) string{
	"hex":       hex.EncodeToString,
	"base64":    base64.StdEncoding.EncodeToString,
	"base64url": base64.RawURLEncoding.EncodeToString,
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	if fn, ok := digests[algorithm]; ok {
		return fn, nil
	}
	return nil, schema.ValidationError("algorithm", "unsupported hash algorithm: "+algorithm)
}

func encoder(name string) (func([]byte) string, error) {
	if name == "" {
		name = "hex"
	}
	if fn, ok := encoders[name]; ok {
		return fn, nil
	}
	return nil, schema.ValidationError("encoding", "unsupported encoding: "+name)
}

func validAlgorithm(value any, _ *schema.Connection) error {
	s, _ := value.(string)
	_, err := hashFunc(s)
	return err
}

func validEncoding(value any, _ *schema.Connection) error {
	s, _ := value.(string)
	_, err := encoder(s)
	return err
}

func requireString(value any, _ *schema.Connection) error {
	if _, ok := value.(string); !ok {
		return fmt.Errorf("expected a string, got %T", value)
	}
	return nil
}

var digestInputs = []Input{
	{Name: "algorithm", Default: "sha256", Validators: []ValidatorFunc{validAlgorithm}},
	{Name: "encoding", Default: "hex", Validators: []ValidatorFunc{validEncoding}},
}

// digest hashes data (keyed when key is non-nil) and encodes the sum.
func digest(conn *schema.Connection, key []byte) (string, error) {
	algorithm, _ := conn.Params["algorithm"].(string)
	encoding, _ := conn.Params["encoding"].(string)
	data, _ := conn.Params["data"].(string)

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return "", err
	}
	encode, err := encoder(encoding)
	if err != nil {
		return "", err
	}

	h := newHash()
	if key != nil {
		h = hmac.New(newHash, key)
	}
	h.Write([]byte(data))
	conn.Response["algorithm"] = algorithm
	return encode(h.Sum(nil)), nil
}

type cryptoHashAction struct{}

func (a *cryptoHashAction) Name() string { return "hash" }

func (a *cryptoHashAction) Schema() ActionSchema {
	return ActionSchema{
		Version:     1,
		Description: "Hash data with the chosen algorithm",
		Inputs: append([]Input{
			{Name: "data", Required: true, Validators: []ValidatorFunc{requireString}},
		}, digestInputs...),
	}
}

func (a *cryptoHashAction) Run(_ context.Context, conn *schema.Connection) error {
	sum, err := digest(conn, nil)
	if err != nil {
		return err
	}
	conn.Response["hash"] = sum
	return nil
}

type cryptoHMACAction struct{}

func (a *cryptoHMACAction) Name() string { return "hmac" }

func (a *cryptoHMACAction) Schema() ActionSchema {
	return ActionSchema{
		Version:     1,
		Description: "Sign data with a key using HMAC",
		Inputs: append([]Input{
			{Name: "data", Required: true, Validators: []ValidatorFunc{requireString}},
			{Name: "key", Required: true, Validators: []ValidatorFunc{requireString}},
		}, digestInputs...),
		// Keys must not be persisted in the job queue.
		BlockedConnectionTypes: []schema.ConnectionType{schema.ConnectionTask},
	}
}

func (a *cryptoHMACAction) Run(_ context.Context, conn *schema.Connection) error {
	key, _ := conn.Params["key"].(string)
	sum, err := digest(conn, []byte(key))
	if err != nil {
		return err
	}
	conn.Response["hmac"] = sum
	return nil
}

type cryptoUUIDAction struct{}

func (a *cryptoUUIDAction) Name() string { return "uuid" }

func (a *cryptoUUIDAction) Schema() ActionSchema {
	return ActionSchema{
		Version:     1,
		Description: "Generate a random (v4) or time-ordered (v7) UUID",
		Inputs: []Input{{
			Name:    "version",
			Default: "4",
			Validators: []ValidatorFunc{func(v any, _ *schema.Connection) error {
				if s, _ := v.(string); s != "4" && s != "7" {
					return fmt.Errorf("version must be \"4\" or \"7\"")
				}
				return nil
			}},
		}},
	}
}

func (a *cryptoUUIDAction) Run(_ context.Context, conn *schema.Connection) error {
	id := uuid.New()
	if v, _ := conn.Params["version"].(string); v == "7" {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return err
		}
	}
	conn.Response["uuid"] = id.String()
	return nil
}
