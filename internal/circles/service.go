package circles

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingTokenProvider = errors.New("token provider is required")
	noOpLogger              = zap.NewNop()

	// ErrCircleNotFound indicates the referenced circle exists neither in the
	// cache nor on the ledger.
	ErrCircleNotFound = errors.New("circles: circle not found")
	// ErrInvitationNotFound indicates an unknown or already redeemed token.
	ErrInvitationNotFound = errors.New("circles: invitation not found or already used")
	// ErrInvitationExpired indicates the token's validity window has passed.
	ErrInvitationExpired = errors.New("circles: invitation expired")
)

// ServiceError wraps a storage failure with an operation-scoped code so
// callers can report cache unavailability distinctly from missing data.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "circles.service.new"
	opUpsertCircle     = "circles.upsert_circle"
	opUpsertMember     = "circles.upsert_member"
	opUpsertTask       = "circles.upsert_task"
	opGetCircle        = "circles.get_circle"
	opListMembers      = "circles.list_members"
	opListTasks        = "circles.list_tasks"
	opCircleStats      = "circles.stats"
	opCreateInvitation = "circles.create_invitation"
	opAcceptInvitation = "circles.accept_invitation"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// LedgerGateway reads authoritative entity state from the chain on a cache
// miss. A nil record with a nil error means the ledger has no such entity;
// a non-nil error means the gateway could not answer within its attempt
// budget.
type LedgerGateway interface {
	CircleByID(ctx context.Context, id int64) (*LedgerCircleRecord, error)
	TasksByCircle(ctx context.Context, circleID int64) ([]LedgerTaskRecord, error)
}

// TokenProvider issues opaque single-use invitation tokens.
type TokenProvider interface {
	NewToken() (string, error)
}

const defaultInvitationTTL = 7 * 24 * time.Hour

// ServiceConfig carries the dependencies of the reconciliation service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Ledger        LedgerGateway
	Tokens        TokenProvider
	InvitationTTL time.Duration
	Logger        *zap.Logger
}

// Service reconciles client-reported ledger state into the local cache and
// serves reads that prefer the cache over the chain.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	ledger    LedgerGateway
	tokens    TokenProvider
	inviteTTL time.Duration
	logger    *zap.Logger
}

// NewService validates the configuration and constructs the service. The
// ledger gateway is optional; without one the service runs cache-only.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_token_provider", errMissingTokenProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.InvitationTTL
	if ttl <= 0 {
		ttl = defaultInvitationTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:        cfg.Database,
		clock:     clock,
		ledger:    cfg.Ledger,
		tokens:    cfg.Tokens,
		inviteTTL: ttl,
		logger:    logger,
	}, nil
}

// UpsertCircle merges the candidate into the cache by primary key. Name and
// owner always take the newest write; wallet key and tx hash never regress
// from set to unset. The merged row is returned.
func (s *Service) UpsertCircle(ctx context.Context, candidate CircleCandidate) (*Circle, error) {
	if err := candidate.validate(); err != nil {
		return nil, err
	}
	if s.db == nil {
		s.logError(opUpsertCircle, "missing_database", errMissingDatabase)
		return nil, newServiceError(opUpsertCircle, "missing_database", errMissingDatabase)
	}

	row := circleRow(candidate, s.clock().UTC())
	rawWallet := strings.TrimSpace(candidate.WalletKey)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name":       row.Name,
			"owner":      row.Owner,
			"wallet_key": gorm.Expr("CASE WHEN ? <> '' THEN ? ELSE wallet_key END", rawWallet, rawWallet),
			"tx_hash":    gorm.Expr("COALESCE(?, tx_hash)", optionalKey(candidate.TxHash)),
		}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opUpsertCircle, "upsert_failed", err, zap.Int64("circle_id", candidate.ID))
		return nil, newServiceError(opUpsertCircle, "upsert_failed", err)
	}

	var stored Circle
	if err := s.db.WithContext(ctx).Where("id = ?", candidate.ID).Take(&stored).Error; err != nil {
		s.logError(opUpsertCircle, "reload_failed", err, zap.Int64("circle_id", candidate.ID))
		return nil, newServiceError(opUpsertCircle, "reload_failed", err)
	}
	return &stored, nil
}

// UpsertMember merges the candidate keyed by (circle_id, address). The
// display name and tx hash are sticky; the owner flag always replaces.
func (s *Service) UpsertMember(ctx context.Context, candidate MemberCandidate) (*Member, error) {
	if err := candidate.validate(); err != nil {
		return nil, err
	}
	if s.db == nil {
		s.logError(opUpsertMember, "missing_database", errMissingDatabase)
		return nil, newServiceError(opUpsertMember, "missing_database", errMissingDatabase)
	}

	row := memberRow(candidate, s.clock().UTC())
	rawName := strings.TrimSpace(candidate.Name)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "circle_id"}, {Name: "address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name":     gorm.Expr("CASE WHEN ? <> '' THEN ? ELSE name END", rawName, rawName),
			"is_owner": candidate.IsOwner,
			"tx_hash":  gorm.Expr("COALESCE(?, tx_hash)", optionalKey(candidate.TxHash)),
		}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opUpsertMember, "upsert_failed", err,
			zap.Int64("circle_id", candidate.CircleID),
			zap.String("address", candidate.Address))
		return nil, newServiceError(opUpsertMember, "upsert_failed", err)
	}

	var stored Member
	if err := s.db.WithContext(ctx).
		Where("circle_id = ? AND address = ?", candidate.CircleID, row.Address).
		Take(&stored).Error; err != nil {
		s.logError(opUpsertMember, "reload_failed", err, zap.Int64("circle_id", candidate.CircleID))
		return nil, newServiceError(opUpsertMember, "reload_failed", err)
	}
	return &stored, nil
}

// UpsertTask merges the candidate by primary key. Most fields take the
// newest write; the tx hashes coalesce and rejection never un-rejects.
func (s *Service) UpsertTask(ctx context.Context, candidate TaskCandidate) (*Task, error) {
	if err := candidate.validate(); err != nil {
		return nil, err
	}
	if s.db == nil {
		s.logError(opUpsertTask, "missing_database", errMissingDatabase)
		return nil, newServiceError(opUpsertTask, "missing_database", errMissingDatabase)
	}

	row := taskRow(candidate, s.clock().UTC())
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"circle_id":       row.CircleID,
			"title":           row.Title,
			"description":     row.Description,
			"assigned_to":     row.AssignedTo,
			"created_by":      row.CreatedBy,
			"priority":        row.Priority,
			"payment_amount":  row.PaymentAmount,
			"request_money":   row.RequestMoney,
			"payment_tx_hash": gorm.Expr("COALESCE(?, payment_tx_hash)", row.PaymentTxHash),
			"rejected":        gorm.Expr("(rejected OR ?)", row.Rejected),
			"completed":       row.Completed,
			"completed_by":    row.CompletedBy,
			"completed_at":    row.CompletedAt,
			"tx_hash":         gorm.Expr("COALESCE(?, tx_hash)", row.TxHash),
		}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opUpsertTask, "upsert_failed", err, zap.Int64("task_id", candidate.ID))
		return nil, newServiceError(opUpsertTask, "upsert_failed", err)
	}

	var stored Task
	if err := s.db.WithContext(ctx).Where("id = ?", candidate.ID).Take(&stored).Error; err != nil {
		s.logError(opUpsertTask, "reload_failed", err, zap.Int64("task_id", candidate.ID))
		return nil, newServiceError(opUpsertTask, "reload_failed", err)
	}
	return &stored, nil
}

// GetCircle serves the circle from the cache, falling back to a single
// ledger lookup on a miss. A ledger hit is written back so subsequent reads
// stay local. A nil circle with a nil error means not found anywhere.
func (s *Service) GetCircle(ctx context.Context, id int64) (*Circle, error) {
	if id <= 0 {
		return nil, newValidationError("id")
	}
	if s.db == nil {
		s.logError(opGetCircle, "missing_database", errMissingDatabase)
		return nil, newServiceError(opGetCircle, "missing_database", errMissingDatabase)
	}

	var stored Circle
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&stored).Error
	if err == nil {
		return &stored, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGetCircle, "query_failed", err, zap.Int64("circle_id", id))
		return nil, newServiceError(opGetCircle, "query_failed", err)
	}

	if s.ledger == nil {
		return nil, nil
	}
	return s.hydrateCircle(ctx, id)
}

// hydrateCircle performs the single ledger fallback lookup and self-heals
// the cache with whatever the chain returns. Gateway failures degrade to
// not-found; they are logged as upstream timeouts, never propagated.
func (s *Service) hydrateCircle(ctx context.Context, id int64) (*Circle, error) {
	record, err := s.ledger.CircleByID(ctx, id)
	if err != nil {
		s.logger.Warn("ledger circle lookup timed out",
			zap.Int64("circle_id", id), zap.Error(err))
		return nil, nil
	}
	if record == nil {
		return nil, nil
	}

	stored, err := s.UpsertCircle(ctx, CircleCandidate{
		ID:        record.ID,
		Name:      record.Name,
		Owner:     record.Owner,
		WalletKey: record.WalletKey,
		TxHash:    record.TxHash,
	})
	if err != nil {
		s.logError(opGetCircle, "self_heal_failed", err, zap.Int64("circle_id", id))
		return nil, newServiceError(opGetCircle, "self_heal_failed", err)
	}
	return stored, nil
}

// hydrateTasks rebuilds a missing circle's task rows from the ledger. Best
// effort: any gateway failure leaves the cache as-is.
func (s *Service) hydrateTasks(ctx context.Context, circleID int64) {
	records, err := s.ledger.TasksByCircle(ctx, circleID)
	if err != nil {
		s.logger.Warn("ledger task lookup timed out",
			zap.Int64("circle_id", circleID), zap.Error(err))
		return
	}
	for _, record := range records {
		candidate := TaskCandidate{
			ID:            record.ID,
			CircleID:      record.CircleID,
			Title:         record.Title,
			Description:   record.Description,
			AssignedTo:    record.AssignedTo,
			CreatedBy:     record.CreatedBy,
			Priority:      record.Priority,
			PaymentAmount: record.PaymentAmount,
			RequestMoney:  record.RequestMoney,
			Completed:     record.Completed,
			CompletedBy:   record.CompletedBy,
			TxHash:        record.TxHash,
		}
		if _, err := s.UpsertTask(ctx, candidate); err != nil {
			s.logError(opListTasks, "self_heal_task_failed", err,
				zap.Int64("circle_id", circleID), zap.Int64("task_id", record.ID))
		}
	}
}

// ListMembers returns the circle's members with the owner first, then by
// join order ascending.
func (s *Service) ListMembers(ctx context.Context, circleID int64) ([]Member, error) {
	if circleID <= 0 {
		return nil, newValidationError("circle_id")
	}
	if s.db == nil {
		s.logError(opListMembers, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListMembers, "missing_database", errMissingDatabase)
	}

	members := make([]Member, 0)
	if err := s.db.WithContext(ctx).
		Where("circle_id = ?", circleID).
		Order("is_owner DESC, joined_at ASC").
		Find(&members).Error; err != nil {
		s.logError(opListMembers, "query_failed", err, zap.Int64("circle_id", circleID))
		return nil, newServiceError(opListMembers, "query_failed", err)
	}
	return members, nil
}

// ListTasks returns the circle's tasks ordered open-before-completed, then
// priority descending, then id descending. When the circle itself is absent
// from the cache the ledger is consulted once to rebuild it.
func (s *Service) ListTasks(ctx context.Context, circleID int64) ([]Task, error) {
	if circleID <= 0 {
		return nil, newValidationError("circle_id")
	}
	if s.db == nil {
		s.logError(opListTasks, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListTasks, "missing_database", errMissingDatabase)
	}

	if s.ledger != nil {
		var cached Circle
		err := s.db.WithContext(ctx).Where("id = ?", circleID).Take(&cached).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			healed, healErr := s.hydrateCircle(ctx, circleID)
			if healErr == nil && healed != nil {
				s.hydrateTasks(ctx, circleID)
			}
		}
	}

	tasks := make([]Task, 0)
	if err := s.db.WithContext(ctx).
		Where("circle_id = ?", circleID).
		Order("completed ASC, priority DESC, id DESC").
		Find(&tasks).Error; err != nil {
		s.logError(opListTasks, "query_failed", err, zap.Int64("circle_id", circleID))
		return nil, newServiceError(opListTasks, "query_failed", err)
	}
	return tasks, nil
}

// Stats aggregates task and member counts for the circle. An unknown circle
// yields zeroed stats, not an error.
func (s *Service) Stats(ctx context.Context, circleID int64) (CircleStats, error) {
	if circleID <= 0 {
		return CircleStats{}, newValidationError("circle_id")
	}
	if s.db == nil {
		s.logError(opCircleStats, "missing_database", errMissingDatabase)
		return CircleStats{}, newServiceError(opCircleStats, "missing_database", errMissingDatabase)
	}

	var stats CircleStats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Task{}).Where("circle_id = ?", circleID).Count(&stats.TotalTasks).Error; err != nil {
		s.logError(opCircleStats, "task_count_failed", err, zap.Int64("circle_id", circleID))
		return CircleStats{}, newServiceError(opCircleStats, "task_count_failed", err)
	}
	if err := db.Model(&Task{}).
		Where("circle_id = ? AND completed = ?", circleID, true).
		Count(&stats.CompletedTasks).Error; err != nil {
		s.logError(opCircleStats, "completed_count_failed", err, zap.Int64("circle_id", circleID))
		return CircleStats{}, newServiceError(opCircleStats, "completed_count_failed", err)
	}
	if err := db.Model(&Member{}).Where("circle_id = ?", circleID).Count(&stats.MemberCount).Error; err != nil {
		s.logError(opCircleStats, "member_count_failed", err, zap.Int64("circle_id", circleID))
		return CircleStats{}, newServiceError(opCircleStats, "member_count_failed", err)
	}

	stats.OpenTasks = stats.TotalTasks - stats.CompletedTasks
	if stats.TotalTasks > 0 {
		stats.CompletionRate = int(math.Round(float64(stats.CompletedTasks) / float64(stats.TotalTasks) * 100))
	}
	return stats, nil
}

// CreateInvitation issues a pending single-use token for the circle. The
// referenced circle must exist in the cache or on the ledger.
func (s *Service) CreateInvitation(ctx context.Context, circleID int64, email, memberName, inviterName string) (*Invitation, error) {
	invalid := make([]string, 0, 3)
	if circleID <= 0 {
		invalid = append(invalid, "circle_id")
	}
	if !validKey(email) || !strings.Contains(email, "@") {
		invalid = append(invalid, "email")
	}
	if !validKey(memberName) {
		invalid = append(invalid, "member_name")
	}
	if len(invalid) > 0 {
		return nil, &ValidationError{Fields: invalid}
	}
	if s.db == nil {
		s.logError(opCreateInvitation, "missing_database", errMissingDatabase)
		return nil, newServiceError(opCreateInvitation, "missing_database", errMissingDatabase)
	}

	circle, err := s.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circle == nil {
		return nil, ErrCircleNotFound
	}

	token, err := s.tokens.NewToken()
	if err != nil {
		s.logError(opCreateInvitation, "token_generation_failed", err)
		return nil, newServiceError(opCreateInvitation, "token_generation_failed", err)
	}

	now := s.clock().UTC()
	invitation := Invitation{
		Token:       token,
		CircleID:    circleID,
		Email:       strings.TrimSpace(email),
		MemberName:  strings.TrimSpace(memberName),
		InviterName: strings.TrimSpace(inviterName),
		Status:      InvitationStatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.inviteTTL),
	}
	if err := s.db.WithContext(ctx).Create(&invitation).Error; err != nil {
		s.logError(opCreateInvitation, "insert_failed", err, zap.Int64("circle_id", circleID))
		return nil, newServiceError(opCreateInvitation, "insert_failed", err)
	}
	return &invitation, nil
}

// AcceptResult reports the membership granted by a redeemed invitation.
type AcceptResult struct {
	CircleID   int64
	CircleName string
	MemberName string
}

// AcceptInvitation redeems a pending token for the given wallet address,
// marking the invitation accepted and upserting the member row in one
// transaction. A token is usable exactly once; expired or redeemed tokens
// are rejected without side effects.
func (s *Service) AcceptInvitation(ctx context.Context, token, address string) (*AcceptResult, error) {
	invalid := make([]string, 0, 2)
	if !validKey(token) {
		invalid = append(invalid, "token")
	}
	if !validKey(address) {
		invalid = append(invalid, "address")
	}
	if len(invalid) > 0 {
		return nil, &ValidationError{Fields: invalid}
	}
	if s.db == nil {
		s.logError(opAcceptInvitation, "missing_database", errMissingDatabase)
		return nil, newServiceError(opAcceptInvitation, "missing_database", errMissingDatabase)
	}

	now := s.clock().UTC()
	trimmedAddress := strings.TrimSpace(address)
	var result AcceptResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invitation Invitation
		err := tx.Where("token = ?", strings.TrimSpace(token)).Take(&invitation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvitationNotFound
		}
		if err != nil {
			s.logError(opAcceptInvitation, "invitation_select_failed", err)
			return newServiceError(opAcceptInvitation, "invitation_select_failed", err)
		}
		if invitation.Status != InvitationStatusPending {
			return ErrInvitationNotFound
		}
		if now.After(invitation.ExpiresAt) {
			return ErrInvitationExpired
		}

		update := tx.Model(&Invitation{}).
			Where("token = ? AND status = ?", invitation.Token, InvitationStatusPending).
			Updates(map[string]interface{}{
				"status":           InvitationStatusAccepted,
				"accepted_at":      now,
				"accepted_address": trimmedAddress,
			})
		if update.Error != nil {
			s.logError(opAcceptInvitation, "invitation_update_failed", update.Error)
			return newServiceError(opAcceptInvitation, "invitation_update_failed", update.Error)
		}
		if update.RowsAffected == 0 {
			return ErrInvitationNotFound
		}

		member := memberRow(MemberCandidate{
			CircleID: invitation.CircleID,
			Address:  trimmedAddress,
			Name:     invitation.MemberName,
		}, now)
		rawName := invitation.MemberName
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "circle_id"}, {Name: "address"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"name": gorm.Expr("CASE WHEN ? <> '' THEN ? ELSE name END", rawName, rawName),
			}),
		}).Create(&member).Error; err != nil {
			s.logError(opAcceptInvitation, "member_upsert_failed", err,
				zap.Int64("circle_id", invitation.CircleID))
			return newServiceError(opAcceptInvitation, "member_upsert_failed", err)
		}

		result = AcceptResult{
			CircleID:   invitation.CircleID,
			MemberName: invitation.MemberName,
		}
		var circle Circle
		if err := tx.Where("id = ?", invitation.CircleID).Take(&circle).Error; err == nil {
			result.CircleName = circle.Name
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return &result, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("circles service error", attrs...)
}
