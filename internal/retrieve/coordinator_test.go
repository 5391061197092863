package retrieve

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radworks/pacsfetch/pkg/dimse"
)

// moveScript is one scripted move response.
type moveScript struct {
	status    uint16
	remaining uint16
	completed uint16
	failed    uint16
	warned    uint16
	delay     time.Duration
}

func u16(v uint16) *uint16 { return &v }

// fakeMoveSCP answers every move on a fresh association with the same
// scripted response sequence.
type fakeMoveSCP struct {
	t      *testing.T
	script []moveScript

	active  atomic.Int32
	overlap atomic.Bool
	studies []string
	mu      sync.Mutex
}

func (f *fakeMoveSCP) start() Config {
	f.t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(f.t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				f.serve(conn)
			}()
		}
	}()
	f.t.Cleanup(func() {
		listener.Close()
		<-done
		wg.Wait()
	})

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(f.t, err)
	port, _ := strconv.Atoi(portStr)

	return Config{
		Host:         "127.0.0.1",
		Port:         port,
		CalledAET:    "ARCHIVE",
		CallingAET:   "PACSFETCH",
		Timeout:      5 * time.Second,
		StudyTimeout: 5 * time.Second,
	}
}

func (f *fakeMoveSCP) serve(conn net.Conn) {
	sa, err := dimse.Accept(conn, dimse.AcceptorConfig{
		SupportsAbstractSyntax: func(uid string) bool { return uid == dimse.StudyRootMove },
		Timeout:                5 * time.Second,
	})
	if err != nil {
		return
	}

	for {
		ctxID, msg, dataset, err := sa.Receive()
		if err != nil {
			return
		}
		if msg.CommandField != dimse.CMoveRQ {
			sa.Abort()
			return
		}

		if f.active.Add(1) > 1 {
			f.overlap.Store(true)
		}

		ac := sa.ContextByID(ctxID)
		if id, err := dimse.ParseIdentifier(dataset, ac.TransferSyntax); err == nil {
			f.mu.Lock()
			f.studies = append(f.studies, id.GetString(dimse.TagStudyInstanceUID))
			f.mu.Unlock()
		}

		for _, s := range f.script {
			if s.delay > 0 {
				time.Sleep(s.delay)
			}
			rsp := &dimse.Message{
				CommandField:                   dimse.CMoveRSP,
				MessageIDBeingRespondedTo:      msg.MessageID,
				AffectedSOPClassUID:            msg.AffectedSOPClassUID,
				CommandDataSetType:             dimse.DatasetAbsent,
				Status:                         s.status,
				NumberOfRemainingSuboperations: u16(s.remaining),
				NumberOfCompletedSuboperations: u16(s.completed),
				NumberOfFailedSuboperations:    u16(s.failed),
				NumberOfWarningSuboperations:   u16(s.warned),
			}
			if err := sa.Send(ctxID, rsp, nil); err != nil {
				f.active.Add(-1)
				return
			}
		}
		f.active.Add(-1)
	}
}

func TestRetrieveSuccess(t *testing.T) {
	scp := &fakeMoveSCP{t: t, script: []moveScript{
		{status: dimse.StatusPending, remaining: 2},
		{status: dimse.StatusPending, remaining: 1, completed: 1},
		{status: dimse.StatusSuccess, completed: 2},
	}}
	c := NewCoordinator(scp.start())

	out := c.Retrieve(context.Background(), dimse.StudyRoot, "1.2.3", "PACSFETCH")
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, 2, out.Completed)
	assert.Zero(t, out.Failed)

	scp.mu.Lock()
	assert.Equal(t, []string{"1.2.3"}, scp.studies)
	scp.mu.Unlock()
}

func TestRetrieveSuccessWithFailuresIsWarning(t *testing.T) {
	scp := &fakeMoveSCP{t: t, script: []moveScript{
		{status: dimse.StatusSuccess, completed: 3, failed: 1},
	}}
	c := NewCoordinator(scp.start())

	out := c.Retrieve(context.Background(), dimse.StudyRoot, "1.2.3", "PACSFETCH")
	assert.Equal(t, Warning, out.Kind)
	assert.Equal(t, 3, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.NotEmpty(t, out.Reason)
}

func TestRetrieveFailureStatus(t *testing.T) {
	scp := &fakeMoveSCP{t: t, script: []moveScript{
		{status: 0xA801}, // move destination unknown
	}}
	c := NewCoordinator(scp.start())

	out := c.Retrieve(context.Background(), dimse.StudyRoot, "1.2.3", "NOSUCHAET")
	assert.Equal(t, Failure, out.Kind)
	assert.Equal(t, uint16(0xA801), out.Status)
}

func TestRetrieveUnreachableArchive(t *testing.T) {
	c := NewCoordinator(Config{
		Host:       "127.0.0.1",
		Port:       1,
		CalledAET:  "ARCHIVE",
		CallingAET: "PACSFETCH",
		Timeout:    time.Second,
	})

	out := c.Retrieve(context.Background(), dimse.StudyRoot, "1.2.3", "PACSFETCH")
	assert.Equal(t, Failure, out.Kind)
	assert.NotEmpty(t, out.Reason)
}

func TestRetrieveStudyTimeout(t *testing.T) {
	scp := &fakeMoveSCP{t: t, script: []moveScript{
		{status: dimse.StatusPending, remaining: 5},
		{status: dimse.StatusPending, remaining: 5, delay: 3 * time.Second},
	}}
	cfg := scp.start()
	cfg.StudyTimeout = 500 * time.Millisecond
	c := NewCoordinator(cfg)

	start := time.Now()
	out := c.Retrieve(context.Background(), dimse.StudyRoot, "1.2.3", "PACSFETCH")
	assert.Equal(t, Failure, out.Kind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRetrieveCancellation(t *testing.T) {
	scp := &fakeMoveSCP{t: t, script: []moveScript{
		{status: dimse.StatusPending, remaining: 5},
		{status: dimse.StatusPending, remaining: 5, delay: 2 * time.Second},
	}}
	c := NewCoordinator(scp.start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	out := c.Retrieve(ctx, dimse.StudyRoot, "1.2.3", "PACSFETCH")
	assert.Equal(t, Interrupted, out.Kind)
}

func TestRetrieveCancelledBeforeStart(t *testing.T) {
	c := NewCoordinator(Config{Host: "127.0.0.1", Port: 1, CalledAET: "A", CallingAET: "B"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Retrieve(ctx, dimse.StudyRoot, "1.2.3", "PACSFETCH")
	assert.Equal(t, Interrupted, out.Kind)
}

func TestRetrieveSerializesJobs(t *testing.T) {
	scp := &fakeMoveSCP{t: t, script: []moveScript{
		{status: dimse.StatusPending, remaining: 1, delay: 100 * time.Millisecond},
		{status: dimse.StatusSuccess, completed: 1},
	}}
	c := NewCoordinator(scp.start())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			out := c.Retrieve(context.Background(), dimse.StudyRoot, uid, "PACSFETCH")
			assert.Equal(t, Success, out.Kind)
		}("1.2." + strconv.Itoa(i))
	}
	wg.Wait()

	assert.False(t, scp.overlap.Load(), "moves must not overlap")
	scp.mu.Lock()
	assert.Len(t, scp.studies, 3)
	scp.mu.Unlock()
}

func TestTerminalOutcomeClassification(t *testing.T) {
	tests := []struct {
		name string
		msg  dimse.Message
		want Kind
	}{
		{"clean success", dimse.Message{Status: dimse.StatusSuccess, NumberOfCompletedSuboperations: u16(3)}, Success},
		{"success with failures", dimse.Message{Status: dimse.StatusSuccess, NumberOfFailedSuboperations: u16(1)}, Warning},
		{"warning status", dimse.Message{Status: 0xB000}, Warning},
		{"cancelled", dimse.Message{Status: dimse.StatusCancel}, Interrupted},
		{"refused", dimse.Message{Status: 0xA702}, Failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := terminalOutcome(&tt.msg)
			assert.Equal(t, tt.want, out.Kind)
		})
	}
}
