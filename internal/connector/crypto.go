// Package connector implements external content ingestion: provider
// sync, webhook intake, work queues and the chunk/embed pipeline.
// Connector secrets are envelope-encrypted at rest and never logged.
package connector

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/activegraph/activegraph/pkg/models"
)

// secretFields are the config keys treated as secrets: encrypted at
// rest, redacted in every API response and log line.
var secretFields = []string{
	"access_key_id",
	"secret_access_key",
	"api_key",
	"password",
	"token",
	"credentials",
	"webhook_secret",
}

const redacted = "***REDACTED***"

// ErrNoKEK means no key encryption key is configured for the version
// a stored secret was sealed with.
var ErrNoKEK = errors.New("connector: no KEK for key version")

// Keyring holds the configured KEK versions. Sealing always uses the
// newest key; opening tries the row's recorded version first, then the
// rest newest-first, so rotation never locks out old rows.
type Keyring struct {
	keys   map[int][32]byte
	active int
}

// NewKeyring parses KEK material (raw 32 bytes or base64 of 32 bytes)
// keyed by version. The highest version becomes the sealing key.
func NewKeyring(material map[int]string) (*Keyring, error) {
	if len(material) == 0 {
		return nil, errors.New("connector: no KEKs configured")
	}
	kr := &Keyring{keys: make(map[int][32]byte, len(material))}
	for ver, raw := range material {
		key, err := parseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("KEK_V%d: %w", ver, err)
		}
		kr.keys[ver] = key
		if ver > kr.active {
			kr.active = ver
		}
	}
	return kr, nil
}

func parseKey(raw string) ([32]byte, error) {
	var key [32]byte
	if len(raw) == 32 {
		copy(key[:], raw)
		return key, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return key, errors.New("key must be 32 raw bytes or base64 of 32 bytes")
	}
	copy(key[:], decoded)
	return key, nil
}

// ActiveVersion returns the version new secrets are sealed with.
func (k *Keyring) ActiveVersion() int { return k.active }

// versionsNewestFirst lists every configured version, newest first.
func (k *Keyring) versionsNewestFirst() []int {
	versions := make([]int, 0, len(k.keys))
	for ver := range k.keys {
		versions = append(versions, ver)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions
}

// seal encrypts plaintext with the active KEK. Output format:
// "v{version}:" + base64(nonce || box).
func (k *Keyring) seal(plaintext string) (string, error) {
	key := k.keys[k.active]
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key)
	return fmt.Sprintf("v%d:%s", k.active, base64.StdEncoding.EncodeToString(box)), nil
}

// open decrypts a sealed value. The embedded version is tried first;
// on mismatch every other key is tried newest-first, covering rows
// written before a rotation finished.
func (k *Keyring) open(sealed string) (string, error) {
	var ver int
	var payload string
	if _, err := fmt.Sscanf(sealed, "v%d:", &ver); err != nil {
		return "", errors.New("connector: malformed sealed value")
	}
	idx := strings.Index(sealed, ":")
	payload = sealed[idx+1:]

	box, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(box) < 24+secretbox.Overhead {
		return "", errors.New("connector: malformed sealed value")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])

	try := func(version int) (string, bool) {
		key, ok := k.keys[version]
		if !ok {
			return "", false
		}
		plain, ok := secretbox.Open(nil, box[24:], &nonce, &key)
		if !ok {
			return "", false
		}
		return string(plain), true
	}

	if plain, ok := try(ver); ok {
		return plain, nil
	}
	for _, version := range k.versionsNewestFirst() {
		if version == ver {
			continue
		}
		if plain, ok := try(version); ok {
			return plain, nil
		}
	}
	return "", fmt.Errorf("%w %d", ErrNoKEK, ver)
}

// EncryptSecrets returns a copy of cfg with every secret field sealed
// under the active KEK. Non-string secret values are rejected.
func (k *Keyring) EncryptSecrets(cfg models.Document) (models.Document, error) {
	out := make(models.Document, len(cfg))
	for key, val := range cfg {
		out[key] = val
	}
	for _, field := range secretFields {
		raw, ok := out[field]
		if !ok {
			continue
		}
		plain, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("connector: secret field %q must be a string", field)
		}
		if plain == "" || isSealed(plain) {
			continue
		}
		sealed, err := k.seal(plain)
		if err != nil {
			return nil, err
		}
		out[field] = sealed
	}
	return out, nil
}

// DecryptSecrets returns a copy of cfg with every secret field opened.
func (k *Keyring) DecryptSecrets(cfg models.Document) (models.Document, error) {
	out := make(models.Document, len(cfg))
	for key, val := range cfg {
		out[key] = val
	}
	for _, field := range secretFields {
		raw, ok := out[field].(string)
		if !ok || raw == "" {
			continue
		}
		plain, err := k.open(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", field, err)
		}
		out[field] = plain
	}
	return out, nil
}

// isSealed reports whether a value already carries the envelope
// format, so re-saving a fetched config never double-encrypts.
func isSealed(v string) bool {
	var ver int
	if _, err := fmt.Sscanf(v, "v%d:", &ver); err != nil {
		return false
	}
	idx := strings.Index(v, ":")
	_, err := base64.StdEncoding.DecodeString(v[idx+1:])
	return err == nil && len(v[idx+1:]) > 0
}

// Sanitize returns a copy of cfg safe for logs and API responses:
// every secret field present is replaced with a redaction marker.
func Sanitize(cfg models.Document) models.Document {
	out := make(models.Document, len(cfg))
	for key, val := range cfg {
		out[key] = val
	}
	for _, field := range secretFields {
		if _, ok := out[field]; ok {
			out[field] = redacted
		}
	}
	return out
}
