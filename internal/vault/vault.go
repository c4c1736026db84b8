// Package vault implements the Firmware Vault: it stores per-device-type
// firmware encrypted at rest under a long-lived master key and decrypts it
// on demand into transient memory. It never writes plaintext to disk.
package vault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
)

// DeviceType describes everything the core needs to know about one
// device-type entry in the closed set: the firmware it requires, the tool
// used to flash it, and its credit cost.
type DeviceType struct {
	Name              string   `yaml:"name"`
	RequiredArtifacts []string `yaml:"required_artifacts"`
	Tool              string   `yaml:"tool"`
	ArgumentTemplate  []string `yaml:"argument_template"`
	CreditCost        int      `yaml:"credit_cost"`
}

// Table is the closed, ordered set of device types the vault knows about.
type Table struct {
	byName map[string]DeviceType
	order  []string
}

// NewTable builds a Table from a slice of device-type entries, most
// naturally loaded from the server's YAML configuration.
func NewTable(entries []DeviceType) *Table {
	t := &Table{byName: make(map[string]DeviceType, len(entries))}
	for _, e := range entries {
		t.byName[e.Name] = e
		t.order = append(t.order, e.Name)
	}
	return t
}

// Lookup returns the DeviceType for name, or UnknownDeviceType.
func (t *Table) Lookup(name string) (DeviceType, error) {
	dt, ok := t.byName[name]
	if !ok {
		return DeviceType{}, ferrors.New(ferrors.UnknownDeviceType, fmt.Sprintf("unknown device type %q", name))
	}
	return dt, nil
}

// Vault holds the master key and the storage directory containing one
// "<artifact>.enc" file per logical artifact name, each framed as
// nonce(12)||tag(16)||ciphertext(N) under the master key.
type Vault struct {
	masterKey []byte
	dir       string
	devices   *Table
}

// New constructs a Vault. masterKey must be exactly flashcrypto.KeySize
// bytes; the caller retains ownership and should zeroize it once the Vault
// (and any process relying on it) is done, since the Vault keeps its own
// copy.
func New(masterKey []byte, storageDir string, devices *Table) (*Vault, error) {
	if len(masterKey) != flashcrypto.KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", flashcrypto.KeySize, len(masterKey))
	}
	owned := make([]byte, len(masterKey))
	copy(owned, masterKey)
	return &Vault{masterKey: owned, dir: storageDir, devices: devices}, nil
}

// RequiredArtifacts returns the ordered list of artifact logical names
// required by deviceType.
func (v *Vault) RequiredArtifacts(deviceType string) ([]string, error) {
	dt, err := v.devices.Lookup(deviceType)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(dt.RequiredArtifacts))
	copy(out, dt.RequiredArtifacts)
	return out, nil
}

// DeviceType exposes the full device-type record, used by the Session
// Authority to capture the required artifacts and credit cost at
// session-create time.
func (v *Vault) DeviceType(deviceType string) (DeviceType, error) {
	return v.devices.Lookup(deviceType)
}

// ArtifactStat reports operational metadata for one ciphertext artifact
// file: its logical name and on-disk byte length. Bytes is -1 when the
// file does not exist or could not be stat'd. It never reports contents.
type ArtifactStat struct {
	Name  string
	Bytes int64
}

// Stat reports, for every artifact deviceType requires, the ciphertext
// file's byte length on disk. It helps diagnose a vault that looks empty
// or truncated, without ever reading the file's contents.
func (v *Vault) Stat(deviceType string) ([]ArtifactStat, error) {
	names, err := v.RequiredArtifacts(deviceType)
	if err != nil {
		return nil, err
	}
	stats := make([]ArtifactStat, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(v.path(name))
		if err != nil || info.IsDir() {
			stats = append(stats, ArtifactStat{Name: name, Bytes: -1})
			continue
		}
		stats = append(stats, ArtifactStat{Name: name, Bytes: info.Size()})
	}
	return stats, nil
}

// AllPresent confirms that every required ciphertext file for deviceType
// exists on disk. It does not validate their contents. Each check is
// logged via Stat at debug level so a device type that looks unavailable
// can be diagnosed from the server's own logs without touching the files
// by hand.
func (v *Vault) AllPresent(deviceType string) (bool, error) {
	stats, err := v.Stat(deviceType)
	if err != nil {
		return false, err
	}
	present := true
	for _, s := range stats {
		if s.Bytes < 0 {
			present = false
		}
		slog.Debug("vault artifact stat", "device_type", deviceType, "artifact", s.Name, "bytes", s.Bytes)
	}
	return present, nil
}

// OpenPlaintext reads, authenticates, and decrypts the artifact named name,
// returning the plaintext wrapped in a flashcrypto.Secret the caller owns
// and must Close. Scratch buffers for the raw file bytes are zeroized on
// every exit path; on authentication failure no partial plaintext is ever
// returned.
func (v *Vault) OpenPlaintext(name string) (*flashcrypto.Secret, error) {
	raw, err := os.ReadFile(v.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.Wrap(ferrors.FirmwareUnavailable, fmt.Sprintf("artifact %q not found", name), err)
		}
		return nil, ferrors.Wrap(ferrors.Internal, fmt.Sprintf("read artifact %q", name), err)
	}
	defer flashcrypto.Zero(raw)

	if len(raw) <= flashcrypto.HeaderSize {
		return nil, ferrors.New(ferrors.IntegrityError, fmt.Sprintf("artifact %q carries no ciphertext (%d bytes)", name, len(raw)))
	}

	plaintext, err := flashcrypto.Open(v.masterKey, raw)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IntegrityError, fmt.Sprintf("artifact %q failed authentication", name), err)
	}
	return flashcrypto.NewSecret(plaintext), nil
}

func (v *Vault) path(name string) string {
	return filepath.Join(v.dir, name+".enc")
}

// SealArtifact is an authoring-side helper (used by tests and offline
// tooling, never by the running server) that encrypts plaintext under the
// vault's master key and writes it to disk in the canonical
// nonce||tag||ciphertext framing.
func (v *Vault) SealArtifact(name string, plaintext []byte) error {
	blob, err := flashcrypto.Seal(v.masterKey, plaintext)
	if err != nil {
		return err
	}
	return os.WriteFile(v.path(name), blob, 0o600)
}

// Close zeroizes the vault's in-memory copy of the master key. Call once
// at process shutdown.
func (v *Vault) Close() {
	flashcrypto.Zero(v.masterKey)
}
