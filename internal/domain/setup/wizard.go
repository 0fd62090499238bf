package setup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/hipaa"
)

// Pinger checks that a database URL accepts connections. db.Ping satisfies
// it.
type Pinger func(ctx context.Context, databaseURL string) error

var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Wizard walks the setup steps in order and persists progress after each
// one, so a restart resumes where it left off.
type Wizard struct {
	path   string
	ping   Pinger
	logger zerolog.Logger
	nowFn  func() time.Time

	mu   sync.Mutex
	file File
}

// Open loads the wizard state from path. A missing file starts at the
// database step.
func Open(path string, ping Pinger, logger zerolog.Logger) (*Wizard, error) {
	w := &Wizard{path: path, ping: ping, logger: logger, nowFn: time.Now}
	w.file.Setup.Step = StepDatabase

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return w, nil
	case err != nil:
		return nil, fmt.Errorf("read setup file: %w", err)
	}
	if err := yaml.Unmarshal(data, &w.file); err != nil {
		return nil, fmt.Errorf("parse setup file %s: %w", path, err)
	}
	if !validStep(w.file.Setup.Step) {
		return nil, fmt.Errorf("setup file %s has unknown step %q", path, w.file.Setup.Step)
	}
	return w, nil
}

func validStep(s Step) bool {
	for _, step := range Steps {
		if step == s {
			return true
		}
	}
	return false
}

// Current returns the step awaiting input.
func (w *Wizard) Current() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Setup.Step
}

// Complete reports whether every step has been done.
func (w *Wizard) Complete() bool {
	return w.Current() == StepComplete
}

// Database validates the connection settings, checks they connect and
// advances to the admin step.
func (w *Wizard) Database(ctx context.Context, in DatabaseInput) error {
	in.Host = strings.TrimSpace(in.Host)
	in.Name = strings.TrimSpace(in.Name)
	in.User = strings.TrimSpace(in.User)
	if in.Port == 0 {
		in.Port = 5432
	}
	if in.SSLMode == "" {
		in.SSLMode = "prefer"
	}

	switch {
	case in.Host == "":
		return invalid("host", "is required")
	case in.Port < 1 || in.Port > 65535:
		return invalid("port", "must be between 1 and 65535")
	case in.Name == "":
		return invalid("name", "is required")
	case in.User == "":
		return invalid("user", "is required")
	case !sslModes[in.SSLMode]:
		return invalid("sslmode", "is not a postgres sslmode")
	}

	return w.advance(StepDatabase, func(f *File) error {
		dsn := config.PostgresURL(in.Host, in.Port, in.Name, in.User, in.Password, in.SSLMode)
		if err := w.ping(ctx, dsn); err != nil {
			w.logger.Warn().Err(err).Str("type", "setup").Str("host", in.Host).Msg("database connection check failed")
			return ErrDatabaseUnreachable
		}
		f.Database = Database{
			Host:     in.Host,
			Port:     in.Port,
			Name:     in.Name,
			User:     in.User,
			Password: in.Password,
			SSLMode:  in.SSLMode,
		}
		return nil
	})
}

// Admin records the bootstrap administrator with a bcrypt-hashed password.
func (w *Wizard) Admin(in AdminInput) error {
	in.Username = strings.TrimSpace(in.Username)
	switch {
	case in.Username == "":
		return invalid("username", "is required")
	case len(in.Username) > 128:
		return invalid("username", "must be at most 128 characters")
	case len(in.Password) < auth.MinPasswordLength:
		return invalid("password", auth.ErrPasswordTooShort.Error())
	case in.Password != in.Confirm:
		return invalid("confirm_password", "does not match")
	}

	return w.advance(StepAdmin, func(f *File) error {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			return err
		}
		f.Admin = Admin{Username: in.Username, PasswordHash: hash}
		return nil
	})
}

// Encryption stores the at-rest key, generating one when none is supplied,
// along with a fresh session secret. It finishes the wizard.
func (w *Wizard) Encryption(in EncryptionInput) error {
	key := strings.TrimSpace(in.Key)
	if key != "" {
		if _, err := hipaa.NewPHIEncryptorFromHex(key); err != nil {
			return invalid("encryption_key", "must be 64 hex characters")
		}
	}

	return w.advance(StepEncryption, func(f *File) error {
		if key == "" {
			generated, err := randomHex(32)
			if err != nil {
				return err
			}
			key = generated
		}
		secret, err := randomHex(32)
		if err != nil {
			return err
		}
		f.EncryptionKey = key
		f.SessionSecret = secret
		return nil
	})
}

// advance applies fn to a copy of the state when the wizard is at step, then
// persists the result and moves to the next step. Nothing changes if fn or
// the write fails.
func (w *Wizard) advance(step Step, fn func(f *File) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.file.Setup.Step {
	case StepComplete:
		return ErrSetupComplete
	case step:
	default:
		return fmt.Errorf("%w: expected %s, got %s", ErrWrongStep, w.file.Setup.Step, step)
	}

	next := w.file
	if err := fn(&next); err != nil {
		return err
	}
	next.Setup = Progress{Step: step.next(), UpdatedAt: w.nowFn().UTC()}

	if err := writeFile(w.path, next); err != nil {
		return err
	}
	w.file = next

	w.logger.Info().Str("type", "setup").Str("step", string(step)).Str("next", string(next.Setup.Step)).Msg("setup step completed")
	return nil
}

// writeFile replaces path atomically with mode 0600. The file holds the
// database password and keys.
func writeFile(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode setup file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create setup dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".setup-*.yaml")
	if err != nil {
		return fmt.Errorf("create setup file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod setup file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write setup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close setup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace setup file: %w", err)
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
