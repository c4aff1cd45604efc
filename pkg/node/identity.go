package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meshfs/pkg/types"

	"github.com/spf13/afero"
)

// LoadOrCreateIdentity reads the hex-encoded ed25519 seed at path, creating
// a fresh one when the file does not exist.
func LoadOrCreateIdentity(fs afero.Fs, path string) (*types.Keypair, bool, error) {
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, false, fmt.Errorf("identity %s is not hex: %w", path, err)
		}
		kp, err := types.KeypairFromSeed(seed)
		if err != nil {
			return nil, false, fmt.Errorf("identity %s: %w", path, err)
		}
		return kp, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("failed to read identity: %w", err)
	}

	kp, err := types.GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, []byte(hex.EncodeToString(kp.Seed())+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("failed to write identity: %w", err)
	}
	return kp, true, nil
}
