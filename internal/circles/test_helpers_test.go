package circles

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticTokenProvider struct {
	tokens []string
	index  int
}

func (p *staticTokenProvider) NewToken() (string, error) {
	if p.index >= len(p.tokens) {
		return "", errors.New("exhausted tokens")
	}
	token := p.tokens[p.index]
	p.index++
	return token, nil
}

// fakeGateway serves canned ledger records and counts lookups.
type fakeGateway struct {
	circles     map[int64]LedgerCircleRecord
	tasks       map[int64][]LedgerTaskRecord
	circleCalls int
	taskCalls   int
	fail        bool
}

func (g *fakeGateway) CircleByID(ctx context.Context, id int64) (*LedgerCircleRecord, error) {
	g.circleCalls++
	if g.fail {
		return nil, errors.New("gateway unreachable")
	}
	record, ok := g.circles[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (g *fakeGateway) TasksByCircle(ctx context.Context, circleID int64) ([]LedgerTaskRecord, error) {
	g.taskCalls++
	if g.fail {
		return nil, errors.New("gateway unreachable")
	}
	return g.tasks[circleID], nil
}

type serviceOptions struct {
	ledger LedgerGateway
	clock  func() time.Time
	tokens []string
	ttl    time.Duration
}

func newTestService(t *testing.T, opts serviceOptions) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:carecircle_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Circle{}, &Member{}, &Task{}, &Invitation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := opts.clock
	if clock == nil {
		clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	}
	tokens := opts.tokens
	if tokens == nil {
		tokens = []string{"token-1", "token-2", "token-3"}
	}

	service, err := NewService(ServiceConfig{
		Database:      db,
		Clock:         clock,
		Ledger:        opts.ledger,
		Tokens:        &staticTokenProvider{tokens: tokens},
		InvitationTTL: opts.ttl,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func mustUpsertCircle(t *testing.T, service *Service, candidate CircleCandidate) *Circle {
	t.Helper()
	stored, err := service.UpsertCircle(context.Background(), candidate)
	if err != nil {
		t.Fatalf("unexpected circle upsert error: %v", err)
	}
	return stored
}

func mustUpsertTask(t *testing.T, service *Service, candidate TaskCandidate) *Task {
	t.Helper()
	stored, err := service.UpsertTask(context.Background(), candidate)
	if err != nil {
		t.Fatalf("unexpected task upsert error: %v", err)
	}
	return stored
}

func mustUpsertMember(t *testing.T, service *Service, candidate MemberCandidate) *Member {
	t.Helper()
	stored, err := service.UpsertMember(context.Background(), candidate)
	if err != nil {
		t.Fatalf("unexpected member upsert error: %v", err)
	}
	return stored
}
