package circles

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUpsertCircleIsIdempotent(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})
	candidate := CircleCandidate{ID: 1, Name: "Family", Owner: "0xowner", TxHash: "0xcreate"}

	first := mustUpsertCircle(t, service, candidate)
	second := mustUpsertCircle(t, service, candidate)

	if first.Name != second.Name || first.Owner != second.Owner || first.WalletKey != second.WalletKey {
		t.Fatalf("expected identical rows after repeated upsert: %#v vs %#v", first, second)
	}
	if second.TxHash == nil || *second.TxHash != "0xcreate" {
		t.Fatalf("expected tx hash unchanged, got %#v", second.TxHash)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("expected creation time unchanged, got %v vs %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestUpsertCircleStickyFieldsNeverRegress(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertCircle(t, service, CircleCandidate{
		ID: 1, Name: "A", Owner: "0xowner", WalletKey: "0xwallet", TxHash: "0xcreate",
	})
	stored := mustUpsertCircle(t, service, CircleCandidate{ID: 1, Name: "B", Owner: "0xowner"})

	if stored.Name != "B" {
		t.Fatalf("expected name replaced by newest write, got %q", stored.Name)
	}
	if stored.TxHash == nil || *stored.TxHash != "0xcreate" {
		t.Fatalf("expected tx hash retained, got %#v", stored.TxHash)
	}
	if stored.WalletKey != "0xwallet" {
		t.Fatalf("expected wallet key retained, got %q", stored.WalletKey)
	}
}

func TestUpsertCircleStickyFieldAcceptsExplicitValue(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertCircle(t, service, CircleCandidate{ID: 1, Name: "A", Owner: "0xowner"})
	stored := mustUpsertCircle(t, service, CircleCandidate{
		ID: 1, Name: "A", Owner: "0xowner", TxHash: "0xlate",
	})

	if stored.TxHash == nil || *stored.TxHash != "0xlate" {
		t.Fatalf("expected explicit tx hash to fill empty slot, got %#v", stored.TxHash)
	}
}

func TestUpsertCircleRejectsInvalidCandidate(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	_, err := service.UpsertCircle(context.Background(), CircleCandidate{ID: -1, Name: "", Owner: "0xowner"})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpsertMemberNameIsSticky(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xmem", Name: "Alice", IsOwner: false})
	stored := mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xmem", IsOwner: true})

	if stored.Name != "Alice" {
		t.Fatalf("expected display name retained, got %q", stored.Name)
	}
	if !stored.IsOwner {
		t.Fatalf("expected owner flag replaced by newest write")
	}
}

func TestUpsertTaskNormalizesUnassigned(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	stored := mustUpsertTask(t, service, TaskCandidate{
		ID: 1, CircleID: 1, Title: "Groceries", CreatedBy: "0xowner", AssignedTo: "   ",
	})
	if stored.AssignedTo != nil {
		t.Fatalf("expected whitespace assignee stored as null, got %q", *stored.AssignedTo)
	}

	tasks, err := service.ListTasks(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].AssignedTo != nil {
		t.Fatalf("expected listed task to be unassigned, got %#v", tasks)
	}
}

func TestUpsertTaskStickyProvenance(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertTask(t, service, TaskCandidate{
		ID: 1, CircleID: 1, Title: "Medication run", CreatedBy: "0xowner",
		PaymentAmount: "500", RequestMoney: true, PaymentTxHash: "0xpay", Rejected: true, TxHash: "0xtask",
	})
	stored := mustUpsertTask(t, service, TaskCandidate{
		ID: 1, CircleID: 1, Title: "Medication run", CreatedBy: "0xowner",
		PaymentAmount: "500", RequestMoney: true,
	})

	if stored.PaymentTxHash == nil || *stored.PaymentTxHash != "0xpay" {
		t.Fatalf("expected payment tx hash retained, got %#v", stored.PaymentTxHash)
	}
	if stored.TxHash == nil || *stored.TxHash != "0xtask" {
		t.Fatalf("expected tx hash retained, got %#v", stored.TxHash)
	}
	if !stored.Rejected {
		t.Fatalf("expected rejection to be terminal")
	}
	if PaymentStateOf(*stored) != PaymentStateRejected {
		t.Fatalf("expected rejected payment state, got %s", PaymentStateOf(*stored))
	}
}

func TestUpsertTaskReopenClearsCompletion(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertTask(t, service, TaskCandidate{
		ID: 1, CircleID: 1, Title: "Groceries", CreatedBy: "0xowner",
		Completed: true, CompletedBy: "0xhelper",
	})
	stored := mustUpsertTask(t, service, TaskCandidate{
		ID: 1, CircleID: 1, Title: "Groceries", CreatedBy: "0xowner", Completed: false,
	})

	if stored.Completed {
		t.Fatalf("expected task reopened")
	}
	if stored.CompletedBy != nil || stored.CompletedAt != nil {
		t.Fatalf("expected completion provenance cleared, got %#v", stored)
	}
}

func TestListTasksOrdering(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertTask(t, service, TaskCandidate{ID: 5, CircleID: 1, Title: "t5", CreatedBy: "0xo", Priority: 1})
	mustUpsertTask(t, service, TaskCandidate{ID: 2, CircleID: 1, Title: "t2", CreatedBy: "0xo", Priority: 3})
	mustUpsertTask(t, service, TaskCandidate{ID: 9, CircleID: 1, Title: "t9", CreatedBy: "0xo", Priority: 3, Completed: true})

	tasks, err := service.ListTasks(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) != 3 || ids[0] != 2 || ids[1] != 5 || ids[2] != 9 {
		t.Fatalf("expected order [2 5 9], got %v", ids)
	}
}

func TestListMembersOwnerFirst(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time {
		now := current
		current = current.Add(time.Minute)
		return now
	}
	service, _ := newTestService(t, serviceOptions{clock: clock})

	mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xearly", Name: "Early"})
	mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xowner", Name: "Owner", IsOwner: true})
	mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xlate", Name: "Late"})

	members, err := service.ListMembers(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	if members[0].Address != "0xowner" {
		t.Fatalf("expected owner first, got %q", members[0].Address)
	}
	if members[1].Address != "0xearly" || members[2].Address != "0xlate" {
		t.Fatalf("expected join order after owner, got %q then %q", members[1].Address, members[2].Address)
	}
}

func TestStatsAvoidsDivisionByZero(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	stats, err := service.Stats(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.TotalTasks != 0 || stats.CompletionRate != 0 {
		t.Fatalf("expected zeroed stats, got %#v", stats)
	}
}

func TestStatsComputesCompletionRate(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	mustUpsertTask(t, service, TaskCandidate{ID: 1, CircleID: 1, Title: "a", CreatedBy: "0xo"})
	mustUpsertTask(t, service, TaskCandidate{ID: 2, CircleID: 1, Title: "b", CreatedBy: "0xo"})
	mustUpsertTask(t, service, TaskCandidate{ID: 3, CircleID: 1, Title: "c", CreatedBy: "0xo", Completed: true})
	mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xowner", IsOwner: true})

	stats, err := service.Stats(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.TotalTasks != 3 || stats.CompletedTasks != 1 || stats.OpenTasks != 2 {
		t.Fatalf("unexpected counts: %#v", stats)
	}
	if stats.CompletionRate != 33 {
		t.Fatalf("expected completion rate 33, got %d", stats.CompletionRate)
	}
	if stats.MemberCount != 1 {
		t.Fatalf("expected 1 member, got %d", stats.MemberCount)
	}
}

func TestGetCircleMissWithoutLedgerReturnsNil(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	circle, err := service.GetCircle(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if circle != nil {
		t.Fatalf("expected nil circle on cache-only miss, got %#v", circle)
	}
}

func TestGetCircleSelfHealsFromLedger(t *testing.T) {
	gateway := &fakeGateway{
		circles: map[int64]LedgerCircleRecord{
			7: {ID: 7, Name: "OnChain", Owner: "0xowner", TxHash: "0xchain"},
		},
	}
	service, _ := newTestService(t, serviceOptions{ledger: gateway})

	circle, err := service.GetCircle(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if circle == nil || circle.Name != "OnChain" {
		t.Fatalf("expected ledger circle, got %#v", circle)
	}
	if gateway.circleCalls != 1 {
		t.Fatalf("expected exactly one ledger lookup, got %d", gateway.circleCalls)
	}

	again, err := service.GetCircle(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again == nil || again.Name != "OnChain" {
		t.Fatalf("expected cached circle, got %#v", again)
	}
	if gateway.circleCalls != 1 {
		t.Fatalf("expected second read to stay in cache, ledger calls: %d", gateway.circleCalls)
	}
}

func TestGetCircleGatewayFailureDegradesToNotFound(t *testing.T) {
	gateway := &fakeGateway{fail: true}
	service, _ := newTestService(t, serviceOptions{ledger: gateway})

	circle, err := service.GetCircle(context.Background(), 7)
	if err != nil {
		t.Fatalf("expected degraded not-found, got error: %v", err)
	}
	if circle != nil {
		t.Fatalf("expected nil circle, got %#v", circle)
	}
}

func TestListTasksHydratesMissingCircleFromLedger(t *testing.T) {
	gateway := &fakeGateway{
		circles: map[int64]LedgerCircleRecord{
			7: {ID: 7, Name: "OnChain", Owner: "0xowner"},
		},
		tasks: map[int64][]LedgerTaskRecord{
			7: {
				{ID: 1, CircleID: 7, Title: "Walk", CreatedBy: "0xowner", Priority: 2},
				{ID: 2, CircleID: 7, Title: "Meds", CreatedBy: "0xowner", Priority: 3, Completed: true},
			},
		},
	}
	service, _ := newTestService(t, serviceOptions{ledger: gateway})

	tasks, err := service.ListTasks(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 hydrated tasks, got %d", len(tasks))
	}
	if tasks[0].ID != 1 || tasks[1].ID != 2 {
		t.Fatalf("expected open task before completed, got %#v", tasks)
	}

	if _, err := service.ListTasks(context.Background(), 7); err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if gateway.circleCalls != 1 || gateway.taskCalls != 1 {
		t.Fatalf("expected hydration to run once, circle calls %d task calls %d",
			gateway.circleCalls, gateway.taskCalls)
	}
}

func TestCreateInvitationRequiresCircle(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})

	_, err := service.CreateInvitation(context.Background(), 99, "kin@example.com", "Kin", "Owner")
	if !errors.Is(err, ErrCircleNotFound) {
		t.Fatalf("expected circle not found, got %v", err)
	}
}

func TestInvitationLifecycleSingleUse(t *testing.T) {
	clockTime := time.Unix(1700000000, 0).UTC()
	service, db := newTestService(t, serviceOptions{
		clock: func() time.Time { return clockTime },
	})
	mustUpsertCircle(t, service, CircleCandidate{ID: 1, Name: "Family", Owner: "0xowner"})

	invitation, err := service.CreateInvitation(context.Background(), 1, "kin@example.com", "Kin", "Owner")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if invitation.Token != "token-1" {
		t.Fatalf("unexpected token: %q", invitation.Token)
	}
	if invitation.Status != InvitationStatusPending {
		t.Fatalf("expected pending status, got %q", invitation.Status)
	}
	wantExpiry := clockTime.Add(7 * 24 * time.Hour)
	if !invitation.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, invitation.ExpiresAt)
	}

	result, err := service.AcceptInvitation(context.Background(), "token-1", "0xnewmember")
	if err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	if result.CircleID != 1 || result.CircleName != "Family" || result.MemberName != "Kin" {
		t.Fatalf("unexpected accept result: %#v", result)
	}

	var memberCount int64
	if err := db.Model(&Member{}).Where("circle_id = ?", 1).Count(&memberCount).Error; err != nil {
		t.Fatalf("failed to count members: %v", err)
	}
	if memberCount != 1 {
		t.Fatalf("expected exactly one member row, got %d", memberCount)
	}

	_, err = service.AcceptInvitation(context.Background(), "token-1", "0xother")
	if !errors.Is(err, ErrInvitationNotFound) {
		t.Fatalf("expected second accept rejected, got %v", err)
	}
	if err := db.Model(&Member{}).Where("circle_id = ?", 1).Count(&memberCount).Error; err != nil {
		t.Fatalf("failed to count members: %v", err)
	}
	if memberCount != 1 {
		t.Fatalf("expected no duplicate member, got %d", memberCount)
	}
}

func TestAcceptInvitationKeepsStickyMemberName(t *testing.T) {
	service, _ := newTestService(t, serviceOptions{})
	mustUpsertCircle(t, service, CircleCandidate{ID: 1, Name: "Family", Owner: "0xowner"})
	mustUpsertMember(t, service, MemberCandidate{CircleID: 1, Address: "0xmem", Name: "Existing"})

	if _, err := service.CreateInvitation(context.Background(), 1, "kin@example.com", "Invited", "Owner"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := service.AcceptInvitation(context.Background(), "token-1", "0xmem"); err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}

	members, err := service.ListMembers(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(members) != 1 || members[0].Name != "Existing" {
		t.Fatalf("expected existing display name retained, got %#v", members)
	}
}

func TestAcceptInvitationRejectsExpiredToken(t *testing.T) {
	clockTime := time.Unix(1700000000, 0).UTC()
	service, _ := newTestService(t, serviceOptions{
		clock: func() time.Time { return clockTime },
	})
	mustUpsertCircle(t, service, CircleCandidate{ID: 1, Name: "Family", Owner: "0xowner"})

	if _, err := service.CreateInvitation(context.Background(), 1, "kin@example.com", "Kin", "Owner"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	clockTime = clockTime.Add(8 * 24 * time.Hour)
	_, err := service.AcceptInvitation(context.Background(), "token-1", "0xnewmember")
	if !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}
