package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"dialogue-core/internal/contextwindow"
	"dialogue-core/internal/domain"
	"dialogue-core/internal/observability"
	"dialogue-core/internal/resilience"
	"dialogue-core/internal/sequencer"
	"dialogue-core/internal/state"
)

const (
	defaultLockMaxWait    = 5 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultMaxUserText    = 4000
	defaultHistoryLimit   = 10
	maxConversationKey    = 256
	maxStateName          = 128
)

// DurabilityMode selects whether ProcessTurn waits for storage.
type DurabilityMode string

const (
	DurabilitySynchronous  DurabilityMode = "synchronous"
	DurabilityAsynchronous DurabilityMode = "asynchronous"
)

type Authenticator interface {
	Validate(ctx context.Context, token string) (domain.Identity, error)
}

type InferenceClient interface {
	Complete(ctx context.Context, turns []domain.Turn, params domain.GenerationParams) (string, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, maxWait time.Duration) (*sequencer.Ticket, error)
	Release(t *sequencer.Ticket)
}

type ConversationStore interface {
	Load(ctx context.Context, key string) (domain.Conversation, error)
	Append(ctx context.Context, ticket *sequencer.Ticket, turn domain.Turn) (domain.Conversation, *state.DurableWrite, error)
	DurableThrough(key string) int64
	MarkArchived(ticket *sequencer.Ticket) error
}

// MetadataStore keeps per-conversation state and status beside the turns.
type MetadataStore interface {
	GetState(ctx context.Context, key string) (domain.ConversationState, error)
	PutState(ctx context.Context, key string, st domain.ConversationState) (domain.ConversationState, error)
	Archive(ctx context.Context, key string) error
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Deps are the collaborators of an Orchestrator. AuthGuard and
// InferenceGuard apply retries and circuit breaking to the respective
// calls. Params and Metadata are optional.
type Deps struct {
	Auth           Authenticator
	AuthGuard      *resilience.Client
	Inference      InferenceClient
	InferenceGuard *resilience.Client
	Locks          Locker
	Store          ConversationStore
	Params         ParamGetter
	Metadata       MetadataStore
	Logger         *slog.Logger
}

type Settings struct {
	LockMaxWait    time.Duration
	RequestTimeout time.Duration
	MaxUserText    int
	Budget         domain.Budget
	Durability     DurabilityMode
	Generation     domain.GenerationParams
	ParamPrefix    string
}

// Orchestrator runs the turn protocol: authenticate, sequence, load,
// append, build context, infer, append, persist, release.
type Orchestrator struct {
	auth      Authenticator
	authGuard *resilience.Client
	llm       InferenceClient
	llmGuard  *resilience.Client
	locks     Locker
	store     ConversationStore
	params    ParamGetter
	meta      MetadataStore
	logger    *slog.Logger
	settings  Settings

	promptMu     sync.RWMutex
	promptLoaded bool
	prompt       string
	promptFetch  singleflight.Group
}

type ProcessTurnInput struct {
	SessionToken    string
	ConversationKey string
	UserText        string
	Budget          *domain.Budget
}

type ProcessTurnOutput struct {
	Reply               string
	DurabilityConfirmed bool
	SequenceNumber      int64
	Fallback            bool
	Warning             string
}

type HistoryInput struct {
	SessionToken    string
	ConversationKey string
	Limit           int
}

type HistoryOutput struct {
	Turns []domain.Turn
	Stale bool
}

// LogTurnInput appends a turn authored elsewhere, without inference.
type LogTurnInput struct {
	SessionToken    string
	ConversationKey string
	Role            domain.Role
	Text            string
}

type LogTurnOutput struct {
	SequenceNumber      int64
	DurabilityConfirmed bool
	Warning             string
}

type StateInput struct {
	SessionToken    string
	ConversationKey string
}

type UpdateStateInput struct {
	SessionToken    string
	ConversationKey string
	State           string
	Data            map[string]any
}

type ArchiveInput struct {
	SessionToken    string
	ConversationKey string
}

func NewOrchestrator(d Deps, s Settings) (*Orchestrator, error) {
	if d.Auth == nil {
		return nil, errors.New("usecase: auth client must not be nil")
	}
	if d.Inference == nil {
		return nil, errors.New("usecase: inference client must not be nil")
	}
	if d.Locks == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if d.Store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if d.Logger == nil {
		d.Logger = observability.Logger()
	}
	if d.AuthGuard == nil {
		d.AuthGuard = resilience.NewClient("auth", resilience.Policy{}, resilience.BreakerConfig{}, resilience.WithLogger(d.Logger))
	}
	if d.InferenceGuard == nil {
		d.InferenceGuard = resilience.NewClient("inference", resilience.Policy{}, resilience.BreakerConfig{}, resilience.WithLogger(d.Logger))
	}

	if s.LockMaxWait <= 0 {
		s.LockMaxWait = defaultLockMaxWait
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = defaultRequestTimeout
	}
	if s.MaxUserText <= 0 {
		s.MaxUserText = defaultMaxUserText
	}
	if s.Budget.MaxLength <= 0 || s.Budget.MaxTurns <= 0 {
		return nil, errors.New("usecase: context budget must be positive")
	}
	switch s.Durability {
	case "":
		s.Durability = DurabilitySynchronous
	case DurabilitySynchronous, DurabilityAsynchronous:
	default:
		return nil, errors.New("usecase: unknown durability mode " + string(s.Durability))
	}
	s.ParamPrefix = strings.TrimRight(strings.TrimSpace(s.ParamPrefix), "/")
	if d.Params != nil && s.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}

	return &Orchestrator{
		auth:      d.Auth,
		authGuard: d.AuthGuard,
		llm:       d.Inference,
		llmGuard:  d.InferenceGuard,
		locks:     d.Locks,
		store:     d.Store,
		params:    d.Params,
		meta:      d.Metadata,
		logger:    d.Logger,
		settings:  s,
	}, nil
}

// ProcessTurn handles one user message. The lock ticket is released on every
// path, and durable writes already issued continue after ProcessTurn
// returns.
func (o *Orchestrator) ProcessTurn(ctx context.Context, in ProcessTurnInput) (ProcessTurnOutput, error) {
	key := strings.TrimSpace(in.ConversationKey)
	text := strings.TrimSpace(in.UserText)
	if err := o.validate(key, text, in.Budget); err != nil {
		return ProcessTurnOutput{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.settings.RequestTimeout)
	defer cancel()
	logger := o.requestLogger(ctx).With("conversation_key", key)

	identity, err := o.authenticate(ctx, in.SessionToken)
	if err != nil {
		return ProcessTurnOutput{}, err
	}
	logger = logger.With("user_id", identity.UserID)

	ticket, err := o.acquire(ctx, key)
	if err != nil {
		return ProcessTurnOutput{}, err
	}
	defer o.locks.Release(ticket)

	conv, err := o.store.Load(ctx, key)
	if err != nil {
		return ProcessTurnOutput{}, o.loadError(ctx, err)
	}
	if conv.Stale {
		logger.Warn("serving stale conversation copy, persistence unreachable")
	}
	if conv.Status == domain.StatusArchived {
		return ProcessTurnOutput{}, newError(ErrorInvalidInput, "conversation_archived", state.ErrArchived)
	}

	conv, userWrite, err := o.store.Append(ctx, ticket, domain.Turn{Role: domain.RoleUser, Content: text})
	if err != nil {
		return ProcessTurnOutput{}, appendError(err)
	}
	writes := []*state.DurableWrite{userWrite}
	out := ProcessTurnOutput{SequenceNumber: userWrite.Turn.Seq}

	window, err := contextwindow.Build(conv, o.settings.Budget.Merge(in.Budget))
	if err != nil {
		return ProcessTurnOutput{}, newError(ErrorInternal, "context_window_error", err)
	}
	if window.Truncated {
		logger.Info("newest turn truncated to fit context budget", "max_length", o.settings.Budget.Merge(in.Budget).MaxLength)
	}

	params := o.generationParams(ctx)
	reply, err := resilience.Do(ctx, o.llmGuard, func(ctx context.Context) (string, error) {
		return o.llm.Complete(ctx, window.Turns, params)
	})
	reply = normalizeReply(reply)
	if err == nil && reply == "" {
		err = errors.New("usecase: empty reply from inference")
	}
	switch {
	case err != nil && ctx.Err() != nil:
		// The user turn's write is already issued and runs to completion.
		return ProcessTurnOutput{}, contextError(ctx, "inference_cancelled", err)
	case err != nil:
		logger.Error("inference failed, returning fallback reply", "err", err)
		out.Reply = FallbackReply
		out.Fallback = true
	default:
		_, assistantWrite, err := o.store.Append(ctx, ticket, domain.Turn{Role: domain.RoleAssistant, Content: reply})
		if err != nil {
			return ProcessTurnOutput{}, appendError(err)
		}
		writes = append(writes, assistantWrite)
		out.Reply = reply
		out.SequenceNumber = assistantWrite.Turn.Seq
	}

	confirmed, warning, err := o.settle(ctx, logger, key, writes, out.SequenceNumber)
	if err != nil {
		return ProcessTurnOutput{}, err
	}
	out.DurabilityConfirmed, out.Warning = confirmed, warning
	return out, nil
}

// settle applies the durability mode to the writes issued for this request
// and reports whether everything through seq is durable.
func (o *Orchestrator) settle(ctx context.Context, logger *slog.Logger, key string, writes []*state.DurableWrite, seq int64) (bool, string, error) {
	if o.settings.Durability == DurabilitySynchronous {
		for _, w := range writes {
			err := w.Wait(ctx)
			if errors.Is(err, domain.ErrConflict) {
				logger.Error("durable store holds a different turn at this sequence", "seq", w.Turn.Seq, "err", err)
				return false, "", newError(ErrorIntegrityConflict, "sequence_conflict", err)
			}
			if err != nil {
				logger.Warn("durable write not confirmed", "seq", w.Turn.Seq, "err", err)
			}
		}
	}

	if o.store.DurableThrough(key) >= seq {
		return true, "", nil
	}
	if o.settings.Durability == DurabilityAsynchronous {
		return false, "durability_pending", nil
	}
	return false, "durability_unconfirmed", nil
}

// LogTurn records a turn that was produced outside this service, such as a
// canned greeting or a message relayed from another channel. It follows the
// same sequencing and durability rules as ProcessTurn but calls no model.
func (o *Orchestrator) LogTurn(ctx context.Context, in LogTurnInput) (LogTurnOutput, error) {
	key := strings.TrimSpace(in.ConversationKey)
	text := strings.TrimSpace(in.Text)
	if err := o.validate(key, text, nil); err != nil {
		return LogTurnOutput{}, err
	}
	if !in.Role.Valid() {
		return LogTurnOutput{}, newError(ErrorInvalidInput, "invalid_role", state.ErrInvalidTurn)
	}

	ctx, cancel := context.WithTimeout(ctx, o.settings.RequestTimeout)
	defer cancel()
	logger := o.requestLogger(ctx).With("conversation_key", key)

	identity, err := o.authenticate(ctx, in.SessionToken)
	if err != nil {
		return LogTurnOutput{}, err
	}
	logger = logger.With("user_id", identity.UserID)

	ticket, err := o.acquire(ctx, key)
	if err != nil {
		return LogTurnOutput{}, err
	}
	defer o.locks.Release(ticket)

	conv, err := o.store.Load(ctx, key)
	if err != nil {
		return LogTurnOutput{}, o.loadError(ctx, err)
	}
	if conv.Status == domain.StatusArchived {
		return LogTurnOutput{}, newError(ErrorInvalidInput, "conversation_archived", state.ErrArchived)
	}

	_, w, err := o.store.Append(ctx, ticket, domain.Turn{Role: in.Role, Content: text})
	if err != nil {
		return LogTurnOutput{}, appendError(err)
	}
	confirmed, warning, err := o.settle(ctx, logger, key, []*state.DurableWrite{w}, w.Turn.Seq)
	if err != nil {
		return LogTurnOutput{}, err
	}
	return LogTurnOutput{SequenceNumber: w.Turn.Seq, DurabilityConfirmed: confirmed, Warning: warning}, nil
}

// GetState returns the conversation's stored state.
func (o *Orchestrator) GetState(ctx context.Context, in StateInput) (domain.ConversationState, error) {
	key := strings.TrimSpace(in.ConversationKey)
	if err := validateKey(key); err != nil {
		return domain.ConversationState{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.settings.RequestTimeout)
	defer cancel()

	if _, err := o.authenticate(ctx, in.SessionToken); err != nil {
		return domain.ConversationState{}, err
	}
	if o.meta == nil {
		return domain.ConversationState{}, newError(ErrorInternal, "state_unsupported", nil)
	}
	st, err := o.meta.GetState(ctx, key)
	if err != nil {
		return domain.ConversationState{}, metadataError(ctx, err)
	}
	return st, nil
}

// UpdateState replaces the conversation's state. The last write wins.
func (o *Orchestrator) UpdateState(ctx context.Context, in UpdateStateInput) (domain.ConversationState, error) {
	key := strings.TrimSpace(in.ConversationKey)
	if err := validateKey(key); err != nil {
		return domain.ConversationState{}, err
	}
	name := strings.TrimSpace(in.State)
	if name == "" || utf8.RuneCountInString(name) > maxStateName {
		return domain.ConversationState{}, newError(ErrorInvalidInput, "invalid_state", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, o.settings.RequestTimeout)
	defer cancel()

	identity, err := o.authenticate(ctx, in.SessionToken)
	if err != nil {
		return domain.ConversationState{}, err
	}
	if o.meta == nil {
		return domain.ConversationState{}, newError(ErrorInternal, "state_unsupported", nil)
	}
	st, err := o.meta.PutState(ctx, key, domain.ConversationState{Name: name, Data: in.Data})
	if err != nil {
		return domain.ConversationState{}, metadataError(ctx, err)
	}
	o.requestLogger(ctx).Info("conversation state updated",
		"conversation_key", key,
		"user_id", identity.UserID,
		"state", name,
	)
	return st, nil
}

// Archive closes a conversation to further turns. It waits for the
// conversation's lock so that no turn is in flight while the status flips.
func (o *Orchestrator) Archive(ctx context.Context, in ArchiveInput) error {
	key := strings.TrimSpace(in.ConversationKey)
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.settings.RequestTimeout)
	defer cancel()

	if _, err := o.authenticate(ctx, in.SessionToken); err != nil {
		return err
	}
	if o.meta == nil {
		return newError(ErrorInternal, "archive_unsupported", nil)
	}
	ticket, err := o.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer o.locks.Release(ticket)

	if err := o.meta.Archive(ctx, key); err != nil {
		return metadataError(ctx, err)
	}
	if err := o.store.MarkArchived(ticket); err != nil {
		return appendError(err)
	}
	o.requestLogger(ctx).Info("conversation archived", "conversation_key", key)
	return nil
}

func (o *Orchestrator) acquire(ctx context.Context, key string) (*sequencer.Ticket, error) {
	ticket, err := o.locks.Acquire(ctx, key, o.settings.LockMaxWait)
	if err != nil {
		if errors.Is(err, sequencer.ErrTimeout) {
			return nil, newError(ErrorBusy, "conversation_busy", err)
		}
		return nil, contextError(ctx, "lock_wait_cancelled", err)
	}
	return ticket, nil
}

// History returns the newest turns of a conversation without taking its
// lock.
func (o *Orchestrator) History(ctx context.Context, in HistoryInput) (HistoryOutput, error) {
	key := strings.TrimSpace(in.ConversationKey)
	if err := validateKey(key); err != nil {
		return HistoryOutput{}, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	ctx, cancel := context.WithTimeout(ctx, o.settings.RequestTimeout)
	defer cancel()

	if _, err := o.authenticate(ctx, in.SessionToken); err != nil {
		return HistoryOutput{}, err
	}
	conv, err := o.store.Load(ctx, key)
	if err != nil {
		return HistoryOutput{}, o.loadError(ctx, err)
	}
	return HistoryOutput{Turns: conv.Recent(limit), Stale: conv.Stale}, nil
}

// requestLogger tags the orchestrator's logger with the request id carried
// by ctx, when there is one.
func (o *Orchestrator) requestLogger(ctx context.Context) *slog.Logger {
	if id := observability.RequestID(ctx); id != "" {
		return o.logger.With("request_id", id)
	}
	return o.logger
}

func validateKey(key string) error {
	if key == "" || utf8.RuneCountInString(key) > maxConversationKey {
		return newError(ErrorInvalidInput, "invalid_conversation_key", nil)
	}
	return nil
}

func (o *Orchestrator) validate(key, text string, budget *domain.Budget) error {
	if key == "" {
		return newError(ErrorInvalidInput, "empty_conversation_key", nil)
	}
	if utf8.RuneCountInString(key) > maxConversationKey {
		return newError(ErrorInvalidInput, "conversation_key_too_long", nil)
	}
	if text == "" {
		return newError(ErrorInvalidInput, "empty_text", nil)
	}
	if utf8.RuneCountInString(text) > o.settings.MaxUserText {
		return newError(ErrorInvalidInput, "text_too_long", nil)
	}
	if budget != nil && (budget.MaxLength < 0 || budget.MaxTurns < 0) {
		return newError(ErrorInvalidInput, "invalid_budget", nil)
	}
	return nil
}

func (o *Orchestrator) authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Identity{}, newError(ErrorUnauthorized, "missing_session_token", nil)
	}
	identity, err := resilience.Do(ctx, o.authGuard, func(ctx context.Context) (domain.Identity, error) {
		return o.auth.Validate(ctx, token)
	})
	if err == nil {
		return identity, nil
	}
	switch {
	case ctx.Err() != nil:
		return domain.Identity{}, contextError(ctx, "auth_cancelled", err)
	case errors.Is(err, resilience.ErrUnavailable):
		return domain.Identity{}, newError(ErrorCollaboratorUnavailable, "auth_unavailable", err)
	case resilience.Classify(err) == resilience.ClassInvalidCredentials:
		return domain.Identity{}, newError(ErrorUnauthorized, "invalid_session", err)
	case resilience.Classify(err) == resilience.ClassMisconfiguration:
		o.logger.Error("auth client cannot present its service key", "err", err)
		return domain.Identity{}, newError(ErrorInternal, "auth_misconfigured", err)
	default:
		return domain.Identity{}, newError(ErrorInternal, "auth_error", err)
	}
}

func (o *Orchestrator) loadError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return contextError(ctx, "load_cancelled", err)
	case errors.Is(err, domain.ErrCorrupt):
		return newError(ErrorIntegrityConflict, "history_corrupt", err)
	case errors.Is(err, state.ErrStoreUnavailable):
		return newError(ErrorCollaboratorUnavailable, "persistence_unavailable", err)
	default:
		return newError(ErrorInternal, "load_error", err)
	}
}

func appendError(err error) error {
	switch {
	case errors.Is(err, state.ErrTicketInvalid):
		return newError(ErrorInternal, "lock_ticket_expired", err)
	case errors.Is(err, state.ErrArchived):
		return newError(ErrorInvalidInput, "conversation_archived", err)
	case errors.Is(err, domain.ErrConflict):
		return newError(ErrorIntegrityConflict, "sequence_conflict", err)
	default:
		return newError(ErrorInternal, "append_error", err)
	}
}

func metadataError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return contextError(ctx, "persistence_cancelled", err)
	case errors.Is(err, resilience.ErrUnavailable):
		return newError(ErrorCollaboratorUnavailable, "persistence_unavailable", err)
	case resilience.Classify(err) == resilience.ClassMalformedRequest:
		return newError(ErrorInvalidInput, "invalid_state", err)
	default:
		return newError(ErrorInternal, "persistence_error", err)
	}
}

// contextError maps a failure observed after ctx ended. Both caller
// disconnects and the end-to-end deadline surface as Timeout.
func contextError(ctx context.Context, reason string, err error) error {
	if ctx.Err() != nil {
		return newError(ErrorTimeout, reason, ctx.Err())
	}
	return newError(ErrorInternal, reason, err)
}
