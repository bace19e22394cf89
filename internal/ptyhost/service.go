package ptyhost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/xragent/internal/userenv"
)

const (
	DefaultGraceTime      = 3 * time.Hour
	DefaultShortGraceTime = 5 * time.Minute
)

type Config struct {
	Logger         *slog.Logger
	GraceTime      time.Duration
	ShortGraceTime time.Duration
	// ShellsFile lists the shells offered as profiles.
	ShellsFile string
}

// Service owns the terminals of one pty host.
type Service struct {
	cfg    Config
	logger *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu      sync.Mutex
	nextID  int
	terms   map[int]*terminal
	layouts map[string]LayoutInfo
	revived map[string]map[int]int
	subs    map[*subscriber]struct{}
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GraceTime <= 0 {
		cfg.GraceTime = DefaultGraceTime
	}
	if cfg.ShortGraceTime <= 0 {
		cfg.ShortGraceTime = min(DefaultShortGraceTime, cfg.GraceTime)
	}
	if cfg.ShellsFile == "" {
		cfg.ShellsFile = shellsFile
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		logger:  cfg.Logger,
		enc:     enc,
		dec:     dec,
		terms:   make(map[int]*terminal),
		layouts: make(map[string]LayoutInfo),
		revived: make(map[string]map[int]int),
		subs:    make(map[*subscriber]struct{}),
	}, nil
}

// Close kills every terminal.
func (s *Service) Close() {
	s.mu.Lock()
	terms := make([]*terminal, 0, len(s.terms))
	for _, t := range s.terms {
		terms = append(terms, t)
	}
	s.mu.Unlock()
	for _, t := range terms {
		t.shutdown(true)
	}
	s.dec.Close()
}

func (s *Service) get(id int) (*terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.terms[id]
	if t == nil {
		return nil, status.Errorf(codes.NotFound, "could not find pty %d on pty host", id)
	}
	return t, nil
}

func (s *Service) create(req CreateProcessRequest) *terminal {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	t := newTerminal(id, req, s.logger, s.cfg.GraceTime, s.cfg.ShortGraceTime, s.emit, s.removeTerminal)
	s.terms[id] = t
	s.mu.Unlock()
	return t
}

func (s *Service) removeTerminal(t *terminal) {
	s.mu.Lock()
	if s.terms[t.id] == t {
		delete(s.terms, t.id)
	}
	s.mu.Unlock()
}

func (s *Service) CreateProcess(_ context.Context, req *CreateProcessRequest) (*CreateProcessResponse, error) {
	t := s.create(*req)
	s.logger.Debug("created terminal", "id", t.id, "workspace", req.WorkspaceID, "persist", req.ShouldPersist)
	return &CreateProcessResponse{ID: t.id}, nil
}

func (s *Service) Start(_ context.Context, req *IDRequest) (*StartResponse, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	return &StartResponse{Error: t.start()}, nil
}

func (s *Service) Input(_ context.Context, req *InputRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.input([]byte(req.Data)); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}

// ProcessBinary writes data whose characters are raw byte values.
func (s *Service) ProcessBinary(_ context.Context, req *InputRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(req.Data))
	for _, r := range req.Data {
		b = append(b, byte(r))
	}
	if err := t.input(b); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}

func (s *Service) Resize(_ context.Context, req *ResizeRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.resize(req.Cols, req.Rows); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}

func (s *Service) ClearBuffer(_ context.Context, req *IDRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.clearBuffer()
	return &Empty{}, nil
}

func (s *Service) Shutdown(_ context.Context, req *ShutdownRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.shutdown(req.Immediate)
	return &Empty{}, nil
}

func (s *Service) AcknowledgeDataEvent(_ context.Context, req *AcknowledgeRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.acknowledge(req.CharCount)
	return &Empty{}, nil
}

func (s *Service) GetInitialCwd(_ context.Context, req *IDRequest) (*StringResponse, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	return &StringResponse{Value: t.initialCwd()}, nil
}

func (s *Service) GetCwd(_ context.Context, req *IDRequest) (*StringResponse, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	return &StringResponse{Value: t.cwd()}, nil
}

// ListProcesses reports persistent terminals. Revived terminals are orphans;
// the others are orphans when no client answers the orphan question.
func (s *Service) ListProcesses(ctx context.Context, _ *Empty) (*ListProcessesResponse, error) {
	s.mu.Lock()
	var terms []*terminal
	for _, t := range s.terms {
		if t.req.ShouldPersist {
			terms = append(terms, t)
		}
	}
	s.mu.Unlock()
	sort.Slice(terms, func(i, j int) bool { return terms[i].id < terms[j].id })

	details := make([]ProcessDetails, len(terms))
	var wg sync.WaitGroup
	for i, t := range terms {
		i, t := i, t
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.mu.Lock()
			revived := t.wasRevived
			t.mu.Unlock()
			orphan := revived || t.isOrphaned(ctx)
			details[i] = t.details(orphan)
			details[i].Cwd = t.cwd()
		}()
	}
	wg.Wait()
	return &ListProcessesResponse{Processes: details}, nil
}

func (s *Service) AttachToProcess(_ context.Context, req *IDRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.attach()
	return &Empty{}, nil
}

func (s *Service) DetachFromProcess(_ context.Context, req *DetachRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.detach(req.ForcePersist)
	return &Empty{}, nil
}

func (s *Service) OrphanQuestionReply(_ context.Context, req *IDRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.orphanQuestionReply()
	return &Empty{}, nil
}

func (s *Service) UpdateTitle(_ context.Context, req *UpdateTitleRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.setTitle(req.Title, req.TitleSource)
	return &Empty{}, nil
}

func (s *Service) UpdateIcon(_ context.Context, req *UpdateIconRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.setIcon(req.Icon, req.Color)
	return &Empty{}, nil
}

func (s *Service) SetUnicodeVersion(_ context.Context, req *UnicodeVersionRequest) (*Empty, error) {
	t, err := s.get(req.ID)
	if err != nil {
		return nil, err
	}
	t.setUnicodeVersion(req.Version)
	return &Empty{}, nil
}

// ReduceConnectionGraceTime shortens the wait of every orphaned terminal.
func (s *Service) ReduceConnectionGraceTime(_ context.Context, _ *Empty) (*Empty, error) {
	s.mu.Lock()
	terms := make([]*terminal, 0, len(s.terms))
	for _, t := range s.terms {
		terms = append(terms, t)
	}
	s.mu.Unlock()
	for _, t := range terms {
		t.reduceGraceTime()
	}
	return &Empty{}, nil
}

func (s *Service) SetTerminalLayoutInfo(_ context.Context, req *LayoutInfo) (*Empty, error) {
	if req.WorkspaceID == "" {
		return nil, status.Error(codes.InvalidArgument, "workspaceId is required")
	}
	s.mu.Lock()
	s.layouts[req.WorkspaceID] = *req
	s.mu.Unlock()
	return &Empty{}, nil
}

// GetTerminalLayoutInfo expands the stored layout with the details of the
// terminals that still exist, following revived ids.
func (s *Service) GetTerminalLayoutInfo(_ context.Context, req *WorkspaceRequest) (*LayoutInfo, error) {
	s.mu.Lock()
	layout, ok := s.layouts[req.WorkspaceID]
	revived := s.revived[req.WorkspaceID]
	s.mu.Unlock()
	out := &LayoutInfo{WorkspaceID: req.WorkspaceID}
	if !ok {
		return out, nil
	}
	for _, tab := range layout.Tabs {
		expanded := LayoutTab{IsActive: tab.IsActive, ActivePersistentProcessID: tab.ActivePersistentProcessID}
		if id, ok := revived[tab.ActivePersistentProcessID]; ok {
			expanded.ActivePersistentProcessID = id
		}
		for _, term := range tab.Terminals {
			id := term.Terminal
			if newID, ok := revived[id]; ok {
				id = newID
			}
			t, err := s.get(id)
			if err != nil {
				continue
			}
			d := t.details(false)
			expanded.Terminals = append(expanded.Terminals, LayoutTerminal{RelativeSize: term.RelativeSize, Terminal: id, Details: &d})
		}
		if len(expanded.Terminals) > 0 {
			out.Tabs = append(out.Tabs, expanded)
		}
	}
	return out, nil
}

// serializedTerminal is the persisted form of one terminal.
type serializedTerminal struct {
	ID             int                  `json:"id"`
	Request        CreateProcessRequest `json:"request"`
	Title          string               `json:"title"`
	TitleSource    int                  `json:"titleSource"`
	UnicodeVersion string               `json:"unicodeVersion"`
	Replay         ReplayChunk          `json:"replay"`
	Timestamp      int64                `json:"timestamp"`
}

// SerializeTerminalState snapshots terminals as base64 zstd-compressed JSON.
func (s *Service) SerializeTerminalState(_ context.Context, req *SerializeRequest) (*StringResponse, error) {
	var state []serializedTerminal
	for _, id := range req.IDs {
		t, err := s.get(id)
		if err != nil {
			continue
		}
		t.mu.Lock()
		st := serializedTerminal{
			ID:             t.id,
			Request:        t.req,
			Title:          t.title,
			TitleSource:    t.titleSource,
			UnicodeVersion: t.unicodeVersion,
			Replay:         ReplayChunk{Cols: t.cols, Rows: t.rows, Data: string(t.replay)},
			Timestamp:      time.Now().UnixMilli(),
		}
		t.mu.Unlock()
		state = append(state, st)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &StringResponse{Value: base64.StdEncoding.EncodeToString(s.enc.EncodeAll(raw, nil))}, nil
}

var errBadState = errors.New("malformed terminal state")

func (s *Service) decodeState(value string) ([]serializedTerminal, error) {
	compressed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadState, err)
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadState, err)
	}
	var state []serializedTerminal
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadState, err)
	}
	return state, nil
}

// ReviveTerminalProcesses recreates serialized terminals under new ids. They
// start when a client starts them and replay their previous output.
func (s *Service) ReviveTerminalProcesses(_ context.Context, req *ReviveRequest) (*Empty, error) {
	state, err := s.decodeState(req.State)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	for _, st := range state {
		r := st.Request
		r.WorkspaceID = req.WorkspaceID
		r.Cols, r.Rows = st.Replay.Cols, st.Replay.Rows
		t := s.create(r)
		restored := time.UnixMilli(st.Timestamp).Format(time.DateTime)
		t.mu.Lock()
		t.wasRevived = true
		t.title, t.titleSource = st.Title, st.TitleSource
		t.unicodeVersion = st.UnicodeVersion
		t.replay = []byte(st.Replay.Data + "\r\n\r\n\x1b[2m* History restored (" + restored + ")\x1b[0m\r\n\r\n")
		t.mu.Unlock()

		s.mu.Lock()
		if s.revived[req.WorkspaceID] == nil {
			s.revived[req.WorkspaceID] = make(map[int]int)
		}
		s.revived[req.WorkspaceID][st.ID] = t.id
		s.mu.Unlock()
		s.logger.Info("revived terminal", "oldId", st.ID, "id", t.id, "workspace", req.WorkspaceID)
	}
	return &Empty{}, nil
}

func (s *Service) GetRevivedPtyNewID(_ context.Context, req *RevivedIDRequest) (*RevivedIDResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.revived[req.WorkspaceID][req.ID]
	return &RevivedIDResponse{ID: id, Found: ok}, nil
}

func (s *Service) GetDefaultSystemShell(_ context.Context, req *ShellRequest) (*StringResponse, error) {
	return &StringResponse{Value: defaultSystemShell(req.OS)}, nil
}

func (s *Service) GetEnvironment(_ context.Context, _ *Empty) (*EnvironmentResponse, error) {
	return &EnvironmentResponse{Env: userenv.FromEnviron(os.Environ())}, nil
}

func (s *Service) GetProfiles(_ context.Context, req *ProfilesRequest) (*ProfilesResponse, error) {
	if !req.IncludeDetectedProfiles {
		return &ProfilesResponse{}, nil
	}
	profiles, err := detectProfiles(s.cfg.ShellsFile, req.DefaultProfile)
	if err != nil {
		s.logger.Warn("unable to detect shell profiles", "file", s.cfg.ShellsFile, "err", err)
		return &ProfilesResponse{}, nil
	}
	return &ProfilesResponse{Profiles: profiles}, nil
}

func (s *Service) FreePortKillProcess(ctx context.Context, req *PortRequest) (*PortResponse, error) {
	if req.Port <= 0 || req.Port > 65535 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid port %d", req.Port)
	}
	pid, err := killPortListener(ctx, req.Port)
	if errors.Is(err, errNoListener) {
		return nil, status.Errorf(codes.NotFound, "could not kill process listening on port %d", req.Port)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &PortResponse{Port: req.Port, ProcessID: pid}, nil
}

// subscriber queues events for one Events stream.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
}

func (s *Service) subscribe() *subscriber {
	sub := &subscriber{signal: make(chan struct{}, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Service) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.mu.Lock()
		sub.queue = append(sub.queue, ev)
		sub.mu.Unlock()
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func (sub *subscriber) drain(ctx context.Context) ([]Event, error) {
	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub.signal:
		}
	}
}

// Events streams terminal events until the client goes away.
func (s *Service) Events(_ *EventsRequest, stream EventsServer) error {
	sub := s.subscribe()
	defer s.unsubscribe(sub)
	// The header tells the client it is subscribed.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	for {
		batch, err := sub.drain(stream.Context())
		if err != nil {
			return nil
		}
		for i := range batch {
			if err := stream.Send(&batch[i]); err != nil {
				return err
			}
		}
	}
}
