// Package setup is the first-run wizard that provisions database
// credentials, the bootstrap admin account and the encryption keys.
package setup

import (
	"errors"
	"time"
)

// Step is one stage of the wizard.
type Step string

const (
	StepDatabase   Step = "database"
	StepAdmin      Step = "admin"
	StepEncryption Step = "encryption"
	StepComplete   Step = "complete"
)

// Steps lists the wizard stages in the order they must be completed.
var Steps = []Step{StepDatabase, StepAdmin, StepEncryption, StepComplete}

func (s Step) next() Step {
	for i, step := range Steps {
		if step == s && i+1 < len(Steps) {
			return Steps[i+1]
		}
	}
	return StepComplete
}

var (
	// ErrSetupComplete is returned for any change after the wizard finished.
	ErrSetupComplete = errors.New("setup already complete")
	// ErrWrongStep is returned when a step is submitted out of order.
	ErrWrongStep = errors.New("setup step out of order")
	// ErrDatabaseUnreachable means the submitted credentials did not connect.
	ErrDatabaseUnreachable = errors.New("database unreachable")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// DatabaseInput is submitted on the database step.
type DatabaseInput struct {
	Host     string `json:"host" form:"host"`
	Port     int    `json:"port" form:"port"`
	Name     string `json:"name" form:"name"`
	User     string `json:"user" form:"user"`
	Password string `json:"password" form:"password"`
	SSLMode  string `json:"sslmode" form:"sslmode"`
}

// AdminInput is submitted on the admin step.
type AdminInput struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
	Confirm  string `json:"confirm_password" form:"confirm_password"`
}

// EncryptionInput is submitted on the encryption step. An empty Key asks
// the wizard to generate one.
type EncryptionInput struct {
	Key string `json:"encryption_key" form:"encryption_key"`
}

// File is the wizard's persisted state. Its layout is what config.Load
// merges on startup.
type File struct {
	Setup         Progress `yaml:"setup"`
	Database      Database `yaml:"database,omitempty"`
	Admin         Admin    `yaml:"admin,omitempty"`
	EncryptionKey string   `yaml:"encryption_key,omitempty"`
	SessionSecret string   `yaml:"session_secret,omitempty"`
}

type Progress struct {
	Step      Step      `yaml:"step"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type Admin struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}
