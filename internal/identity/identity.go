// Package identity manages the local pseudo-identity: a generated
// player id and display name persisted under the user config dir, with
// a matching row bootstrapped in the players table on first use.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/store"
)

const identityFile = "identity.json"

// DefaultRating seeds new player rows.
const DefaultRating = 1200

// Identity is the locally persisted part of the player.
type Identity struct {
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
}

// Manager loads or creates the identity and keeps the players row in
// step with it.
type Manager struct {
	dataDir string
	players store.PlayerRepo

	mu       sync.Mutex
	ident    Identity
	rowReady bool
}

// Load reads the identity file, creating a fresh identity on first run,
// and tries to line the players table up with it. A store failure is
// not fatal: the locally persisted identity stands on its own, and the
// players-row bootstrap stays pending until an EnsureRow retry lands.
func Load(ctx context.Context, dataDir string, players store.PlayerRepo) (*Manager, error) {
	m := &Manager{dataDir: dataDir, players: players}

	path := filepath.Join(dataDir, identityFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &m.ident); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		m.ident = Identity{
			PlayerID: uuid.NewString(),
			Username: generateUsername(),
		}
		if err := m.save(); err != nil {
			return nil, err
		}
		obslog.L().Info("created new identity",
			zap.String("player_id", m.ident.PlayerID),
			zap.String("username", m.ident.Username))
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := m.EnsureRow(ctx); err != nil {
		obslog.L().Warn("players row bootstrap deferred, store unreachable", zap.Error(err))
	}
	return m, nil
}

// EnsureRow makes sure the players table carries this identity's row.
// Idempotent and safe to retry: a client that started offline converges
// on the first call that reaches the store.
func (m *Manager) EnsureRow(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rowReady {
		return nil
	}
	if err := m.bootstrapRowLocked(ctx); err != nil {
		return err
	}
	m.rowReady = true
	return nil
}

func (m *Manager) bootstrapRowLocked(ctx context.Context) error {
	existing, err := m.players.Get(ctx, m.ident.PlayerID)
	if err == nil {
		// remote username wins over the local copy
		if existing.Username != m.ident.Username {
			m.ident.Username = existing.Username
			return m.save()
		}
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return m.players.Insert(ctx, &domain.Player{
		ID:       m.ident.PlayerID,
		Username: m.ident.Username,
		Rating:   DefaultRating,
	})
}

func (m *Manager) PlayerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ident.PlayerID
}

func (m *Manager) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ident.Username
}

// Rename updates the display name locally and in the players table.
func (m *Manager) Rename(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if len(username) > 32 {
		return fmt.Errorf("username too long (max 32)")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.players.Rename(ctx, m.ident.PlayerID, username); err != nil {
		return err
	}
	m.ident.Username = username
	return m.save()
}

func (m *Manager) save() error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raw, err := json.MarshalIndent(m.ident, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.dataDir, identityFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func generateUsername() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "player_" + short
}
