package gearman

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePeer wraps the far side of a net.Pipe with direct Send/Subscribe
// access, standing in for "the server" when testing participant behavior
// without a real Gearman job server.
type fakePeer struct {
	conn *Connection
}

func newParticipantHarness(t *testing.T) (*participant, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	localConn := NewConnection(context.Background(), a, catalog, nil)
	peerConn := NewConnection(context.Background(), b, catalog, nil)
	t.Cleanup(func() {
		localConn.Close()
		peerConn.Close()
	})
	p := newParticipant(localConn, catalog, nil)
	return p, &fakePeer{conn: peerConn}
}

func (f *fakePeer) reply(t *testing.T, typeRef interface{}, args map[string]string, data []byte) {
	t.Helper()
	cmd, err := catalog.Create(typeRef, args, data, MagicRes)
	require.NoError(t, err)
	require.NoError(t, f.conn.Send(cmd))
}

func TestParticipant_BlockingActionRoundTrip(t *testing.T) {
	p, peer := newParticipantHarness(t)
	p.expectResponses("ECHO_RES")

	go func() {
		peer.reply(t, ECHO_RES, nil, []byte("nonce"))
	}()

	req := mustCreate(catalog, ECHO_REQ, nil, []byte("nonce"), MagicReq)
	val, err := p.blockingAction(context.Background(), req, []string{"ECHO_RES"}, func(resp *Command) (interface{}, error) {
		return string(resp.Data), nil
	})
	require.NoError(t, err)
	require.Equal(t, "nonce", val)
}

func TestParticipant_FIFOOrdering(t *testing.T) {
	p, peer := newParticipantHarness(t)
	p.expectResponses("JOB_CREATED")

	order := make(chan string, 2)
	go func() {
		req1 := mustCreate(catalog, "SUBMIT_JOB", map[string]string{"function_name": "f", "id": "1"}, nil, MagicReq)
		v, err := p.blockingAction(context.Background(), req1, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
			return resp.Arg("handle"), nil
		})
		require.NoError(t, err)
		order <- v.(string)
	}()
	go func() {
		req2 := mustCreate(catalog, "SUBMIT_JOB", map[string]string{"function_name": "f", "id": "2"}, nil, MagicReq)
		v, err := p.blockingAction(context.Background(), req2, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
			return resp.Arg("handle"), nil
		})
		require.NoError(t, err)
		order <- v.(string)
	}()

	// give both blockingAction calls time to enqueue; FIFO is defined by
	// enqueue order, and the first entry enqueued is resolved by the
	// first matching response.
	time.Sleep(20 * time.Millisecond)
	peer.reply(t, "JOB_CREATED", map[string]string{"handle": "H:first"}, nil)
	peer.reply(t, "JOB_CREATED", map[string]string{"handle": "H:second"}, nil)

	first := <-order
	second := <-order
	require.ElementsMatch(t, []string{"H:first", "H:second"}, []string{first, second})
}

func TestParticipant_MismatchedResponseClosesConnection(t *testing.T) {
	p, peer := newParticipantHarness(t)
	// Subscribe to both JOB_CREATED and NO_JOB, as a real grab loop would
	// for two different blocking actions, so a NO_JOB arriving while a
	// SUBMIT_JOB is outstanding reaches handleResponse as a genuine
	// mismatch rather than being dropped for lack of a subscription.
	p.expectResponses("JOB_CREATED", "NO_JOB")

	closed := make(chan error, 1)
	p.onClosed = func(err error) { closed <- err }

	errCh := make(chan error, 1)
	go func() {
		req := mustCreate(catalog, "SUBMIT_JOB", map[string]string{"function_name": "f", "id": "1"}, nil, MagicReq)
		_, err := p.blockingAction(context.Background(), req, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
			return nil, nil
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	peer.reply(t, "NO_JOB", nil, nil)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blockingAction never resolved after protocol error")
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("participant never observed connection close after protocol error")
	}
}

func TestParticipant_UnsolicitedErrorRouted(t *testing.T) {
	p, peer := newParticipantHarness(t)

	got := make(chan *Error, 1)
	p.onUnsolicitedError = func(e *Error) { got <- e }

	peer.reply(t, "ERROR", map[string]string{"err_code": "unknown_command"}, []byte("bad frame"))

	select {
	case e := <-got:
		require.Equal(t, "unknown_command", e.Code)
		require.Equal(t, "bad frame", e.Text)
	case <-time.After(time.Second):
		t.Fatal("unsolicited ERROR never routed")
	}
}

func TestParticipant_ErrorRoutedToBlockingHead(t *testing.T) {
	p, peer := newParticipantHarness(t)
	p.expectResponses("JOB_CREATED")

	errCh := make(chan error, 1)
	go func() {
		req := mustCreate(catalog, "SUBMIT_JOB", map[string]string{"function_name": "f", "id": "1"}, nil, MagicReq)
		_, err := p.blockingAction(context.Background(), req, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
			return nil, nil
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	peer.reply(t, "ERROR", map[string]string{"err_code": "duplicate_job"}, []byte("already running"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		gerr, ok := err.(*Error)
		require.True(t, ok)
		require.Equal(t, KindServer, gerr.Kind)
		require.Equal(t, "duplicate_job", gerr.Code)
	case <-time.After(time.Second):
		t.Fatal("blockingAction never resolved from ERROR frame")
	}
}

func TestParticipant_DrainsQueueOnConnectionClose(t *testing.T) {
	p, _ := newParticipantHarness(t)
	p.expectResponses("JOB_CREATED")

	errCh := make(chan error, 1)
	go func() {
		req := mustCreate(catalog, "SUBMIT_JOB", map[string]string{"function_name": "f", "id": "1"}, nil, MagicReq)
		_, err := p.blockingAction(context.Background(), req, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
			return nil, nil
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.conn.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		gerr, ok := err.(*Error)
		require.True(t, ok)
		require.Equal(t, KindConnectionClosed, gerr.Kind)
	case <-time.After(time.Second):
		t.Fatal("blockingAction never resolved after connection close")
	}
}

func TestParticipant_WaitResolvesWhenIdle(t *testing.T) {
	p, _ := newParticipantHarness(t)

	err := p.wait(context.Background())
	require.NoError(t, err)
}

func TestParticipant_WaitBlocksUntilQueueDrains(t *testing.T) {
	p, peer := newParticipantHarness(t)
	p.expectResponses("JOB_CREATED")

	go func() {
		req := mustCreate(catalog, "SUBMIT_JOB", map[string]string{"function_name": "f", "id": "1"}, nil, MagicReq)
		p.blockingAction(context.Background(), req, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
			return nil, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	waitDone := make(chan error, 1)
	go func() { waitDone <- p.wait(context.Background()) }()

	select {
	case <-waitDone:
		t.Fatal("wait resolved while a blocking action was still pending")
	case <-time.After(50 * time.Millisecond):
	}

	peer.reply(t, "JOB_CREATED", map[string]string{"handle": "H:1"}, nil)

	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait never resolved after queue drained")
	}
}

func TestParticipant_Ping(t *testing.T) {
	p, peer := newParticipantHarness(t)
	p.expectResponses("ECHO_RES")

	// Echo whatever nonce the ping sends back as the response, the way a
	// real job server would.
	peer.conn.Subscribe("ECHO_REQ", func(cmd *Command) {
		resp, err := catalog.Create(ECHO_RES, nil, cmd.Data, MagicRes)
		require.NoError(t, err)
		require.NoError(t, peer.conn.Send(resp))
	})

	err := p.ping(context.Background())
	require.NoError(t, err)
}
