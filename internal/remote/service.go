package remote

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 255
	defaultPageLimit  = 100
	maxPageLimit      = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingHasher     = errors.New("password hasher is required")
	errMissingUserID     = errors.New("user identifier is required")
	errPasswordTooShort  = errors.New("password must be at least 8 characters")
	errUsernameLength    = errors.New("username must be between 1 and 255 characters")
	errMissingEnvelope   = errors.New("wrapped account key and salt are required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "remote.service.new"
	opCreateAccount = "remote.create_account"
	opAuthenticate  = "remote.authenticate"
	opApplyChanges  = "remote.apply_changes"
	opListChanges   = "remote.list_changes"
	opListHistory   = "remote.list_history"
)

// IDProvider issues account and audit identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
}

// ServiceConfig describes the dependencies of the server store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Hasher     PasswordHasher
	Logger     *zap.Logger
}

// Service owns accounts and the authoritative note copies.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	hasher     PasswordHasher
	logger     *zap.Logger
	dummyHash  string
}

// NewService constructs the server store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internal(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Hasher == nil {
		return nil, apperr.Internal(opServiceNew, "missing_hasher", errMissingHasher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	dummyHash, err := cfg.Hasher.Hash(context.Background(), "notto-unknown-account")
	if err != nil {
		return nil, apperr.Internal(opServiceNew, "hash_failed", err)
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		hasher:     cfg.Hasher,
		logger:     logger,
		dummyHash:  dummyHash,
	}, nil
}

// CreateAccount registers a sync identity together with its sealed content key.
func (s *Service) CreateAccount(ctx context.Context, username, password string, envelope KeyEnvelope) (Account, error) {
	username = strings.TrimSpace(username)
	if length := utf8.RuneCountInString(username); length == 0 || length > maxUsernameLength {
		return Account{}, apperr.InvalidInput(opCreateAccount, "invalid_username", errUsernameLength)
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return Account{}, apperr.InvalidInput(opCreateAccount, "invalid_password", errPasswordTooShort)
	}
	if strings.TrimSpace(envelope.KeySalt) == "" || strings.TrimSpace(envelope.WrappedKey) == "" {
		return Account{}, apperr.InvalidInput(opCreateAccount, "missing_account_key", errMissingEnvelope)
	}

	passwordHash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		s.logError(opCreateAccount, "hash_failed", err)
		return Account{}, apperr.Internal(opCreateAccount, "hash_failed", err)
	}
	accountID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateAccount, "id_generation_failed", err)
		return Account{}, apperr.Internal(opCreateAccount, "id_generation_failed", err)
	}

	account := Account{
		ID:           accountID,
		Username:     username,
		PasswordHash: passwordHash,
		KeySalt:      envelope.KeySalt,
		WrappedKey:   envelope.WrappedKey,
		CreatedAtMs:  s.clock().UTC().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Account{}).Where("username = ?", username).Count(&existing).Error; err != nil {
			return apperr.Internal(opCreateAccount, "query_failed", err)
		}
		if existing > 0 {
			return apperr.Conflict(opCreateAccount, "username_taken", nil)
		}
		if err := tx.Create(&account).Error; err != nil {
			s.logError(opCreateAccount, "insert_failed", err)
			return apperr.Internal(opCreateAccount, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("account created", zap.String("account_id", accountID))
	return account, nil
}

// Authenticate returns the account for valid credentials. Unknown usernames
// cost one hash verification, like wrong passwords.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, _ = s.hasher.Verify(ctx, password, s.dummyHash)
		return Account{}, apperr.Unauthenticated(opAuthenticate, "invalid_credentials", nil)
	}
	if err != nil {
		s.logError(opAuthenticate, "query_failed", err)
		return Account{}, apperr.Internal(opAuthenticate, "query_failed", err)
	}
	matches, err := s.hasher.Verify(ctx, password, account.PasswordHash)
	if err != nil {
		return Account{}, apperr.Internal(opAuthenticate, "hash_failed", err)
	}
	if !matches {
		return Account{}, apperr.Unauthenticated(opAuthenticate, "invalid_credentials", nil)
	}
	return account, nil
}

// ChangeOutcome pairs a pushed change with the server decision.
type ChangeOutcome struct {
	Change  ChangeRequest
	Outcome ConflictOutcome
}

// BatchResult is the result of one push batch.
type BatchResult struct {
	ChangeOutcomes []ChangeOutcome
	LatestSeq      int64
}

// ApplyChanges applies a batch of pushed changes in one transaction.
func (s *Service) ApplyChanges(ctx context.Context, userID, device string, changes []ChangeRequest) (BatchResult, error) {
	if userID == "" {
		return BatchResult{}, apperr.InvalidInput(opApplyChanges, "missing_user_id", errMissingUserID)
	}
	validated := make([]ChangeRequest, 0, len(changes))
	for _, change := range changes {
		checked, err := change.validate()
		if err != nil {
			return BatchResult{}, apperr.InvalidInput(opApplyChanges, "invalid_change", err)
		}
		validated = append(validated, checked)
	}

	result := BatchResult{ChangeOutcomes: make([]ChangeOutcome, 0, len(validated))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range validated {
			var existing Note
			var existingPtr *Note
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND note_id = ?", userID, change.NoteID).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existingPtr = nil
			} else if err != nil {
				s.logError(opApplyChanges, "note_select_failed", err,
					zap.String("user_id", userID),
					zap.String("note_id", change.NoteID))
				return apperr.Internal(opApplyChanges, "note_select_failed", err)
			} else {
				existingPtr = &existing
			}

			outcome, err := resolveChange(existingPtr, change, device, s.clock().UTC())
			if err != nil {
				return apperr.Internal(opApplyChanges, "resolve_change_failed", err)
			}

			if outcome.Accepted {
				seq, err := nextSeq(tx, userID)
				if err != nil {
					s.logError(opApplyChanges, "seq_failed", err, zap.String("user_id", userID))
					return apperr.Internal(opApplyChanges, "seq_failed", err)
				}
				outcome.UpdatedNote.UserID = userID
				outcome.UpdatedNote.NoteID = change.NoteID
				outcome.UpdatedNote.Seq = seq
				if err := tx.Save(outcome.UpdatedNote).Error; err != nil {
					s.logError(opApplyChanges, "note_save_failed", err,
						zap.String("user_id", userID),
						zap.String("note_id", change.NoteID))
					return apperr.Internal(opApplyChanges, "note_save_failed", err)
				}

				changeID, err := s.idProvider.NewID()
				if err != nil {
					return apperr.Internal(opApplyChanges, "id_generation_failed", err)
				}
				outcome.AuditRecord.ChangeID = changeID
				outcome.AuditRecord.UserID = userID
				if err := tx.Create(outcome.AuditRecord).Error; err != nil {
					s.logError(opApplyChanges, "audit_insert_failed", err,
						zap.String("user_id", userID),
						zap.String("note_id", change.NoteID))
					return apperr.Internal(opApplyChanges, "audit_insert_failed", err)
				}
			}

			result.ChangeOutcomes = append(result.ChangeOutcomes, ChangeOutcome{Change: change, Outcome: outcome})
		}

		latest, err := currentSeq(tx, userID)
		if err != nil {
			return apperr.Internal(opApplyChanges, "seq_failed", err)
		}
		result.LatestSeq = latest
		return nil
	})
	if txErr != nil {
		return BatchResult{}, txErr
	}
	return result, nil
}

// ChangePage is one page of the account's change feed.
type ChangePage struct {
	Notes     []Note
	NextSince int64
	HasMore   bool
}

// ListChanges returns notes written after since, ordered by feed sequence.
func (s *Service) ListChanges(ctx context.Context, userID string, since int64, limit int) (ChangePage, error) {
	if userID == "" {
		return ChangePage{}, apperr.InvalidInput(opListChanges, "missing_user_id", errMissingUserID)
	}
	if since < 0 {
		return ChangePage{}, apperr.InvalidInput(opListChanges, "invalid_cursor", nil)
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	notes := make([]Note, 0, limit+1)
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND seq > ?", userID, since).
		Order("seq ASC").
		Limit(limit + 1).
		Find(&notes).Error
	if err != nil {
		s.logError(opListChanges, "query_failed", err, zap.String("user_id", userID))
		return ChangePage{}, apperr.Internal(opListChanges, "query_failed", err)
	}

	page := ChangePage{NextSince: since}
	if len(notes) > limit {
		page.HasMore = true
		notes = notes[:limit]
	}
	page.Notes = notes
	if len(notes) > 0 {
		page.NextSince = notes[len(notes)-1].Seq
	}
	return page, nil
}

// ListHistory returns the audit trail of one note, newest first.
func (s *Service) ListHistory(ctx context.Context, userID, noteID string) ([]NoteChange, error) {
	if userID == "" {
		return nil, apperr.InvalidInput(opListHistory, "missing_user_id", errMissingUserID)
	}
	noteID, err := validateNoteID(noteID)
	if err != nil {
		return nil, apperr.InvalidInput(opListHistory, "invalid_note_id", err)
	}
	history := make([]NoteChange, 0)
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND note_id = ?", userID, noteID).
		Order("new_revision DESC").
		Find(&history).Error
	if err != nil {
		s.logError(opListHistory, "query_failed", err)
		return nil, apperr.Internal(opListHistory, "query_failed", err)
	}
	return history, nil
}

func nextSeq(tx *gorm.DB, userID string) (int64, error) {
	result := tx.Model(&Account{}).Where("id = ?", userID).Update("change_seq", gorm.Expr("change_seq + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return currentSeq(tx, userID)
}

func currentSeq(tx *gorm.DB, userID string) (int64, error) {
	var account Account
	if err := tx.Select("change_seq").Where("id = ?", userID).Take(&account).Error; err != nil {
		return 0, err
	}
	return account.ChangeSeq, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("remote service error", attrs...)
}
