package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/channel/memchan"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/faults"
	"github.com/codex-k8s/afk-gate/internal/rules"
	"github.com/codex-k8s/afk-gate/internal/store"
	"github.com/codex-k8s/afk-gate/internal/templates"
)

type fixture struct {
	store   *store.Store
	channel *memchan.Channel
	rules   *rules.Engine
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "afk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	bundle, err := templates.Load("en")
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	ch := memchan.New()
	engine := rules.New(s, nil)
	return &fixture{
		store:   s,
		channel: ch,
		rules:   engine,
		manager: New(Options{Store: s, Channel: ch, Rules: engine, Renderer: bundle}),
	}
}

func (f *fixture) request(t *testing.T, session, tool, input string) *store.Request {
	t.Helper()
	ctx := context.Background()
	if err := f.store.UpsertSession(ctx, session, "/home/u/proj"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	req, _, err := f.store.CreateRequest(ctx, store.NewRequest{SessionID: session, ToolName: tool, ToolInput: input})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := f.store.SetNotificationID(ctx, req.ID, 900); err != nil {
		t.Fatalf("set notification: %v", err)
	}
	return req
}

func (f *fixture) status(t *testing.T, id string) *store.Request {
	t.Helper()
	req, err := f.store.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	return req
}

func press(action, target string, index int) channel.Event {
	return choose(action, target, index, -1)
}

func choose(action, target string, index, choice int) channel.Event {
	return channel.Event{UpdateID: 1, CallbackID: "cb", Action: action, TargetID: target, SegmentIndex: index, Choice: choice, Actor: "@ops"}
}

func say(actor, text string) channel.Event {
	return channel.Event{UpdateID: 2, Actor: actor, Text: text, SegmentIndex: -1, Choice: -1}
}

func (f *fixture) lastNotice(t *testing.T) *channel.Notice {
	t.Helper()
	edits := f.channel.Edits()
	if len(edits) == 0 || edits[len(edits)-1].Notice == nil {
		t.Fatalf("expected a notice refresh, got %+v", edits)
	}
	return edits[len(edits)-1].Notice
}

func TestResolveIsIdempotentAndEditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"ls"}`)

	changed, err := f.manager.Resolve(ctx, req.ID, constants.StatusApproved, "user:@ops", "")
	if err != nil || !changed {
		t.Fatalf("first resolve: changed=%v err=%v", changed, err)
	}
	changed, err = f.manager.Resolve(ctx, req.ID, constants.StatusDenied, constants.ResolvedByTimeout, "late")
	if err != nil || changed {
		t.Fatalf("second resolve: changed=%v err=%v", changed, err)
	}
	if got := f.status(t, req.ID); got.Status != constants.StatusApproved {
		t.Fatalf("status = %s", got.Status)
	}
	edits := f.channel.Edits()
	if len(edits) != 1 || edits[0].MessageID != 900 || !strings.Contains(edits[0].Text, "Approved") {
		t.Fatalf("unexpected edits %+v", edits)
	}
}

func TestDispatchApproveAndLateEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"ls"}`)

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackDeny, req.ID, -1))
	if err != nil || ack != "Denied" {
		t.Fatalf("deny: ack=%q err=%v", ack, err)
	}
	ack, err = f.manager.Dispatch(ctx, press(constants.CallbackApprove, req.ID, -1))
	if err != nil || ack != "Already resolved" {
		t.Fatalf("late approve: ack=%q err=%v", ack, err)
	}
	got := f.status(t, req.ID)
	if got.Status != constants.StatusDenied || got.ResolvedBy != "user:@ops" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestDispatchUnknownAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ack, err := f.manager.Dispatch(ctx, press("launch", "x", -1))
	if err != nil || ack != "Unknown action" {
		t.Fatalf("unknown: ack=%q err=%v", ack, err)
	}
	ack, err = f.manager.Dispatch(ctx, press(constants.CallbackApprove, "missing", -1))
	if err != nil || ack != "Request not found" {
		t.Fatalf("missing: ack=%q err=%v", ack, err)
	}
	ack, err = f.manager.Dispatch(ctx, channel.Event{UpdateID: 3, Text: "hello"})
	if err != nil || ack != "" {
		t.Fatalf("plain message: ack=%q err=%v", ack, err)
	}
}

func TestRegisterOverridesHandler(t *testing.T) {
	f := newFixture(t)
	f.manager.Register("ping", func(context.Context, *Manager, channel.Event) (string, error) {
		return "pong", nil
	})
	ack, err := f.manager.Dispatch(context.Background(), press("ping", "x", -1))
	if err != nil || ack != "pong" {
		t.Fatalf("ack=%q err=%v", ack, err)
	}
}

func TestChainStepsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"cd /p && make && git push"}`)
	if _, err := f.store.CreateChain(ctx, req.ID, []string{"cd /p", "make", "git push"}, []int{0}); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackChainApprove, req.ID, 1))
	if err != nil || ack != "Step 2 approved" {
		t.Fatalf("step: ack=%q err=%v", ack, err)
	}
	if got := f.status(t, req.ID); !got.Pending() {
		t.Fatalf("request must stay pending, got %s", got.Status)
	}
	edits := f.channel.Edits()
	if len(edits) != 1 || edits[0].Notice == nil || len(edits[0].Notice.Approved) != 2 {
		t.Fatalf("expected a progress refresh, got %+v", edits)
	}

	ack, err = f.manager.Dispatch(ctx, press(constants.CallbackChainApprove, req.ID, 2))
	if err != nil || ack != "Approved" {
		t.Fatalf("last step: ack=%q err=%v", ack, err)
	}
	got := f.status(t, req.ID)
	if got.Status != constants.StatusApproved || got.ResolvedBy != constants.ResolvedByChainAll {
		t.Fatalf("unexpected request %+v", got)
	}
	if _, err := f.store.GetChain(ctx, req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("chain state must be deleted, got %v", err)
	}
}

func TestChainStepInitialisesMissingState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"a && b"}`)

	complete, err := f.manager.StepApprove(ctx, req.ID, 0, "ops")
	if err != nil || complete {
		t.Fatalf("step: complete=%v err=%v", complete, err)
	}
	state, err := f.store.GetChain(ctx, req.ID)
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	if len(state.Segments) != 2 || !state.IsApproved(0) || state.Version != 2 {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := f.manager.StepApprove(ctx, req.ID, 5, "ops"); !faults.Is(err, faults.CategoryInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestConcurrentStepApprovalsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	segments := []string{"a", "b", "c", "d"}
	req := f.request(t, "s1", "Bash", `{"command":"a; b; c; d"}`)
	if _, err := f.store.CreateChain(ctx, req.ID, segments, nil); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(segments))
	for i := range segments {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.manager.StepApprove(ctx, req.ID, i, "ops"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("step approve: %v", err)
	}
	if got := f.status(t, req.ID); got.Status != constants.StatusApproved {
		t.Fatalf("expected approved after all steps, got %s", got.Status)
	}
}

type conflictingStore struct {
	*store.Store
}

func (conflictingStore) UpdateChain(context.Context, string, []int, int64) (int64, error) {
	return 0, store.ErrVersionConflict
}

func TestChainRetryExhaustionIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"a && b"}`)
	m := New(Options{Store: conflictingStore{f.store}, MaxChainRetries: 3})

	_, err := m.StepApprove(ctx, req.ID, 0, "ops")
	if !faults.Is(err, faults.CategoryOptimisticConflict) || !faults.RetryableOf(err) {
		t.Fatalf("expected retryable optimistic conflict, got %v", err)
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected wrapped ErrVersionConflict, got %v", err)
	}
	if got := f.status(t, req.ID); !got.Pending() {
		t.Fatalf("request must stay pending, got %s", got.Status)
	}
}

func TestChainDenyAndApproveEntire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	denied := f.request(t, "s1", "Bash", `{"command":"a && b"}`)
	entire := f.request(t, "s1", "Bash", `{"command":"c && d"}`)

	if ack, err := f.manager.Dispatch(ctx, press(constants.CallbackChainDeny, denied.ID, -1)); err != nil || ack != "Denied" {
		t.Fatalf("chain deny: ack=%q err=%v", ack, err)
	}
	if ack, err := f.manager.Dispatch(ctx, press(constants.CallbackChainApproveEntire, entire.ID, -1)); err != nil || ack != "Approved" {
		t.Fatalf("approve entire: ack=%q err=%v", ack, err)
	}
	if f.status(t, denied.ID).Status != constants.StatusDenied || f.status(t, entire.ID).Status != constants.StatusApproved {
		t.Fatal("unexpected terminal statuses")
	}
}

func TestApproveAllResolvesSiblingsAndAddsToolRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.request(t, "s1", "Edit", `{"file_path":"/a"}`)
	second := f.request(t, "s1", "Edit", `{"file_path":"/b"}`)
	other := f.request(t, "s2", "Edit", `{"file_path":"/c"}`)

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackApproveAll, first.ID, -1))
	if err != nil || !strings.Contains(ack, "2") {
		t.Fatalf("approve all: ack=%q err=%v", ack, err)
	}
	if f.status(t, second.ID).Status != constants.StatusApproved {
		t.Fatal("sibling request must be approved")
	}
	if !f.status(t, other.ID).Pending() {
		t.Fatal("other session must stay pending")
	}
	action, _ := f.rules.Evaluate(ctx, "Edit(/anything)")
	if action != constants.ActionApprove {
		t.Fatalf("expected Edit(*) rule, got %q", action)
	}
}

func TestApproveAllBashAddsNoRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"ls"}`)
	if _, err := f.manager.ApproveAll(ctx, req.ID, "ops"); err != nil {
		t.Fatalf("approve all: %v", err)
	}
	listed, _ := f.rules.List(ctx)
	if len(listed) != 0 {
		t.Fatalf("expected no rules for Bash, got %+v", listed)
	}
}

func TestAddRuleOffersPatternsAndResolvesMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"git log --oneline"}`)
	sibling := f.request(t, "s2", "Bash", `{"command":"git status"}`)
	chain := f.request(t, "s1", "Bash", `{"command":"git fetch && rm -rf build"}`)
	unrelated := f.request(t, "s1", "Bash", `{"command":"make"}`)

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackAddRule, req.ID, -1))
	if err != nil || ack != "Choose a rule pattern" {
		t.Fatalf("add rule: ack=%q err=%v", ack, err)
	}
	if !f.status(t, req.ID).Pending() {
		t.Fatal("request must wait for the pattern choice")
	}
	menu := f.lastNotice(t)
	want := []string{"Bash(git log --oneline)", "Bash(git *)"}
	if !reflect.DeepEqual(menu.Patterns, want) || menu.PatternStep != -1 || menu.Prompt == "" {
		t.Fatalf("unexpected menu %+v", menu)
	}

	ack, err = f.manager.Dispatch(ctx, choose(constants.CallbackAddRulePattern, req.ID, -1, 1))
	if err != nil || ack != "Rule added: Bash(git *) (+1 pending)" {
		t.Fatalf("pick pattern: ack=%q err=%v", ack, err)
	}
	if got := f.status(t, req.ID); got.Status != constants.StatusApproved || got.ResolvedBy != "user:@ops" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got := f.status(t, sibling.ID); got.Status != constants.StatusApproved || got.ResolvedBy != constants.ResolvedByRule {
		t.Fatalf("matching request must be approved by the rule, got %+v", got)
	}
	if !f.status(t, chain.ID).Pending() {
		t.Fatal("chain with an unmatched segment must stay pending")
	}
	if !f.status(t, unrelated.ID).Pending() {
		t.Fatal("unrelated request must stay pending")
	}
	listed, _ := f.rules.List(ctx)
	if len(listed) != 1 || listed[0].Pattern != "Bash(git *)" || listed[0].Origin != constants.OriginTelegram {
		t.Fatalf("unexpected rules %+v", listed)
	}
}

func TestResolveMatchingRespectsDenyRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, _, err := f.rules.Add(ctx, "Bash(git push *)", constants.ActionDeny, 0, constants.OriginCLI); err != nil {
		t.Fatalf("add deny rule: %v", err)
	}
	req := f.request(t, "s1", "Bash", `{"command":"git log"}`)
	push := f.request(t, "s1", "Bash", `{"command":"git push origin main"}`)

	count, err := f.manager.AdoptRule(ctx, req.ID, -1, "Bash(git *)", "@ops")
	if err != nil || count != 0 {
		t.Fatalf("adopt: count=%d err=%v", count, err)
	}
	if !f.status(t, push.ID).Pending() {
		t.Fatal("a deny rule must keep the push pending")
	}
}

func TestAddRuleUsesExactPatternWithoutMenu(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := New(Options{Store: f.store, Rules: f.rules})
	req := f.request(t, "s1", "Bash", `{"command":"git log --oneline"}`)

	ack, err := m.Dispatch(ctx, press(constants.CallbackAddRule, req.ID, -1))
	if err != nil || ack != "Rule added: Bash(git log --oneline)" {
		t.Fatalf("add rule: ack=%q err=%v", ack, err)
	}
	if f.status(t, req.ID).Status != constants.StatusApproved {
		t.Fatal("request must be approved")
	}
}

func TestRulePatternChoiceValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"git log"}`)

	for _, ev := range []channel.Event{
		choose(constants.CallbackAddRulePattern, req.ID, -1, -1),
		choose(constants.CallbackAddRulePattern, req.ID, -1, 9),
		choose(constants.CallbackChainRulePattern, req.ID, -1, 0),
	} {
		ack, err := f.manager.Dispatch(ctx, ev)
		if err != nil || ack != "Unknown action" {
			t.Fatalf("%+v: ack=%q err=%v", ev, ack, err)
		}
	}
	if !f.status(t, req.ID).Pending() {
		t.Fatal("invalid choices must not resolve the request")
	}
}

func TestChainRuleOffersSegmentPatterns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"ssh box git pull && make"}`)
	if _, err := f.store.CreateChain(ctx, req.ID, []string{"ssh box git pull", "make"}, nil); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackChainRule, req.ID, 0))
	if err != nil || ack != "Choose a rule pattern" {
		t.Fatalf("chain rule: ack=%q err=%v", ack, err)
	}
	menu := f.lastNotice(t)
	if menu.PatternStep != 0 || len(menu.Segments) != 2 || len(menu.Patterns) < 2 || menu.Patterns[1] != "Bash(ssh box git *)" {
		t.Fatalf("unexpected menu %+v", menu)
	}

	ack, err = f.manager.Dispatch(ctx, choose(constants.CallbackChainRulePattern, req.ID, 0, 1))
	if err != nil || ack != "Rule added: Bash(ssh box git *)" {
		t.Fatalf("pick pattern: ack=%q err=%v", ack, err)
	}
	state, err := f.store.GetChain(ctx, req.ID)
	if err != nil || !state.IsApproved(0) || state.IsApproved(1) {
		t.Fatalf("only step 0 must be approved: %+v %v", state, err)
	}
}

func TestCancelRestoresDecisionButtons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"git log"}`)

	if _, err := f.manager.Dispatch(ctx, press(constants.CallbackDenyMsg, req.ID, -1)); err != nil {
		t.Fatalf("deny with reason: %v", err)
	}
	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackCancelRule, req.ID, -1))
	if err != nil || ack != "Back to the request" {
		t.Fatalf("cancel: ack=%q err=%v", ack, err)
	}
	restored := f.lastNotice(t)
	if restored.AwaitingReason || len(restored.Patterns) != 0 || restored.Prompt != "" {
		t.Fatalf("unexpected restored notice %+v", restored)
	}
	if _, err := f.manager.Dispatch(ctx, say("@ops", "too late")); err != nil {
		t.Fatalf("message: %v", err)
	}
	if !f.status(t, req.ID).Pending() {
		t.Fatal("a cancelled wait must not deny the request")
	}
}

func TestDenyWithTypedReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"psql prod"}`)

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackDenyMsg, req.ID, -1))
	if err != nil || ack != "Send the reason as a message" {
		t.Fatalf("deny with reason: ack=%q err=%v", ack, err)
	}
	if notice := f.lastNotice(t); !notice.AwaitingReason || notice.Prompt == "" {
		t.Fatalf("notice must ask for the reason: %+v", notice)
	}

	if ack, err := f.manager.Dispatch(ctx, say("@dev", "unrelated chatter")); err != nil || ack != "" {
		t.Fatalf("other actor: ack=%q err=%v", ack, err)
	}
	if !f.status(t, req.ID).Pending() {
		t.Fatal("only the asked actor answers")
	}

	if _, err := f.manager.Dispatch(ctx, say("@ops", "  use the staging replica ")); err != nil {
		t.Fatalf("reason: %v", err)
	}
	got := f.status(t, req.ID)
	if got.Status != constants.StatusDenied || got.ResolvedBy != "user:@ops" || got.DenialReason != "denied by @ops: use the staging replica" {
		t.Fatalf("unexpected request %+v", got)
	}
	edits := f.channel.Edits()
	if last := edits[len(edits)-1]; !strings.Contains(last.Text, "use the staging replica") {
		t.Fatalf("final text must carry the reason, got %q", last.Text)
	}
	if _, err := f.manager.Dispatch(ctx, say("@ops", "again")); err != nil {
		t.Fatalf("second message: %v", err)
	}
}

func TestChainDenyWithTypedReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request(t, "s1", "Bash", `{"command":"cd /p && make deploy"}`)

	ack, err := f.manager.Dispatch(ctx, press(constants.CallbackChainDenyMsg, req.ID, -1))
	if err != nil || ack != "Send the reason as a message" {
		t.Fatalf("chain deny with reason: ack=%q err=%v", ack, err)
	}
	if notice := f.lastNotice(t); len(notice.Segments) != 2 || !notice.AwaitingReason {
		t.Fatalf("unexpected notice %+v", notice)
	}
	if _, err := f.manager.Dispatch(ctx, say("@ops", "not before the freeze ends")); err != nil {
		t.Fatalf("reason: %v", err)
	}
	if got := f.status(t, req.ID); got.Status != constants.StatusDenied || !strings.Contains(got.DenialReason, "freeze") {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestRuleCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	edit := f.request(t, "s1", "Edit", `{"file_path":"/home/u/proj/src/a.go"}`)
	fetch := f.request(t, "s1", "WebFetch", `{"prompt":"x"}`)

	got, err := f.manager.RuleCandidates(ctx, edit, -1)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if got[0] != "Edit(/home/u/proj/src/a.go)" || slices.Contains(got, "Edit(*)") || len(got) > maxRulePatterns {
		t.Fatalf("unexpected edit candidates %v", got)
	}
	got, err = f.manager.RuleCandidates(ctx, fetch, -1)
	if err != nil || !reflect.DeepEqual(got, []string{"WebFetch(*)"}) {
		t.Fatalf("catch-all must remain when alone: %v %v", got, err)
	}
}
