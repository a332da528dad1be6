package replica_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssau-fiit/cloudocs-ot/internal/mediator"
	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
	"github.com/ssau-fiit/cloudocs-ot/internal/replica"
	"github.com/ssau-fiit/cloudocs-ot/internal/watchdog"
)

// network is an in-memory FIFO channel pair per participant. Messages pass
// through a codec so the wire format is part of every scenario. Nothing is
// delivered re-entrantly: sends only enqueue.
type network struct {
	t        *testing.T
	codec    protocol.Codec
	med      *mediator.Mediator
	replicas map[ot.SiteID]*replica.Replica
	up       map[ot.SiteID][][]byte
	down     map[ot.SiteID][][]byte
	pushes   int
	// drop, when set, decides whether an upstream message is lost.
	drop func(ot.SiteID, protocol.Message) bool
	// lose does the same for downstream messages.
	lose func(ot.SiteID, protocol.Message) bool
}

func newNetwork(t *testing.T, codec protocol.Codec, text string) *network {
	n := &network{
		t:        t,
		codec:    codec,
		replicas: make(map[ot.SiteID]*replica.Replica),
		up:       make(map[ot.SiteID][][]byte),
		down:     make(map[ot.SiteID][][]byte),
	}
	n.med = mediator.New("doc", text, 0, mediator.SenderFunc(n.toClient), mediator.Config{Logger: zerolog.Nop()})
	return n
}

func (n *network) encode(msg protocol.Message) []byte {
	data, err := n.codec.Encode(msg)
	require.NoError(n.t, err)
	return data
}

func (n *network) toClient(to ot.SiteID, msg protocol.Message) {
	if _, ok := msg.(protocol.RecoveryPush); ok {
		n.pushes++
	}
	if n.lose != nil && n.lose(to, msg) {
		return
	}
	n.down[to] = append(n.down[to], n.encode(msg))
}

func (n *network) join(policy replica.Policy, now func() time.Time) *replica.Replica {
	snap, err := n.med.Join(0)
	require.NoError(n.t, err)
	n.down[snap.OriginatorID] = nil

	site := snap.OriginatorID
	r, err := replica.New(replica.Config{
		Policy: policy,
		Send: func(msg protocol.Message) error {
			if n.drop != nil && n.drop(site, msg) {
				return nil
			}
			n.up[site] = append(n.up[site], n.encode(msg))
			return nil
		},
		Logger: zerolog.Nop(),
		Now:    now,
	}, snap)
	require.NoError(n.t, err)
	n.replicas[site] = r
	return r
}

// deliver moves one message in the given direction. It reports whether
// there was one.
func (n *network) deliver(site ot.SiteID, upstream bool) bool {
	queue := n.down
	if upstream {
		queue = n.up
	}
	if len(queue[site]) == 0 {
		return false
	}
	data := queue[site][0]
	queue[site] = queue[site][1:]

	msg, err := n.codec.Decode(data)
	require.NoError(n.t, err)
	if upstream {
		require.NoError(n.t, n.med.Handle(site, msg))
	} else {
		require.NoError(n.t, n.replicas[site].Handle(msg))
	}
	return true
}

func (n *network) drain() {
	for moved := true; moved; {
		moved = false
		for site := range n.replicas {
			for n.deliver(site, true) || n.deliver(site, false) {
				moved = true
			}
		}
	}
}

func randomOp(rng *rand.Rand, text string) ot.Operation {
	size := utf8.RuneCountInString(text)
	if size == 0 || rng.Intn(5) < 3 {
		letters := []string{"a", "b", "ж", "xy", "Q", "🙂"}
		return ot.Insert{Position: rng.Intn(size + 1), Text: letters[rng.Intn(len(letters))]}
	}
	pos := rng.Intn(size)
	length := 1 + rng.Intn(min(3, size-pos))
	return ot.Delete{Position: pos, Length: length}
}

func runRandomSession(t *testing.T, seed int64, codec protocol.Codec, sites, steps int) {
	rng := rand.New(rand.NewSource(seed))
	n := newNetwork(t, codec, "collaborative")
	for i := 0; i < sites; i++ {
		n.join(replica.Buffer, nil)
	}
	ids := n.med.Participants()
	ctx := context.Background()

	for step := 0; step < steps; step++ {
		site := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			r := n.replicas[site]
			require.NoError(t, r.GenerateLocal(ctx, randomOp(rng, r.Text())))
		case 1:
			n.deliver(site, true)
		default:
			n.deliver(site, false)
		}
		for _, id := range ids {
			require.LessOrEqual(t, n.replicas[id].Outstanding(), 1, "site %d at step %d", id, step)
		}
	}
	n.drain()

	want, _ := n.med.Text()
	for _, site := range ids {
		r := n.replicas[site]
		assert.Equal(t, want, r.Text(), "site %d", site)
		assert.Equal(t, replica.Idle, r.State(), "site %d", site)
		assert.Zero(t, r.Queued(), "site %d", site)
	}
	assert.Zero(t, n.pushes, "no participant needed a resync")
}

func TestRandomSessionsConverge(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		codec := protocol.JSON
		if seed%2 == 0 {
			codec = protocol.Binary
		}
		sites := 2 + int(seed%4)
		t.Run(fmt.Sprintf("seed=%d/sites=%d/%s", seed, sites, codec.Name()), func(t *testing.T) {
			runRandomSession(t, seed, codec, sites, 300)
		})
	}
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	n := newNetwork(t, protocol.JSON, "ab")
	r1 := n.join(replica.Buffer, nil)
	r2 := n.join(replica.Buffer, nil)
	ctx := context.Background()

	require.NoError(t, r1.GenerateLocal(ctx, ot.Insert{Position: 1, Text: "X"}))
	require.NoError(t, r2.GenerateLocal(ctx, ot.Insert{Position: 1, Text: "Y"}))
	// Site 2's edit reaches the mediator first; site 1 still wins the tie.
	n.deliver(r2.Site(), true)
	n.drain()

	assert.Equal(t, "aXYb", r1.Text())
	assert.Equal(t, "aXYb", r2.Text())
}

func TestInsertInsideConcurrentDelete(t *testing.T) {
	n := newNetwork(t, protocol.Binary, "hello")
	r1 := n.join(replica.Buffer, nil)
	r2 := n.join(replica.Buffer, nil)
	ctx := context.Background()

	require.NoError(t, r1.GenerateLocal(ctx, ot.Delete{Position: 1, Length: 3}))
	require.NoError(t, r2.GenerateLocal(ctx, ot.Insert{Position: 2, Text: "Z"}))
	n.drain()

	text, _ := n.med.Text()
	assert.Equal(t, "hZo", text)
	assert.Equal(t, "hZo", r1.Text())
	assert.Equal(t, "hZo", r2.Text())
}

func TestLateJoinerConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := newNetwork(t, protocol.JSON, "")
	r1 := n.join(replica.Buffer, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, r1.GenerateLocal(ctx, randomOp(rng, r1.Text())))
		n.deliver(r1.Site(), true)
	}
	r2 := n.join(replica.Buffer, nil)
	for i := 0; i < 20; i++ {
		require.NoError(t, r1.GenerateLocal(ctx, randomOp(rng, r1.Text())))
		require.NoError(t, r2.GenerateLocal(ctx, randomOp(rng, r2.Text())))
		n.deliver(r2.Site(), true)
		n.deliver(r1.Site(), false)
	}
	n.drain()

	assert.Equal(t, r1.Text(), r2.Text())
	assert.Zero(t, n.pushes)
}

// TestWatchdogRecoversLostEdit drops a participant's edits on the way to
// the mediator and checks that the watchdog gets them through.
func TestWatchdogRecoversLostEdit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	n := newNetwork(t, protocol.JSON, "ab")
	r1 := n.join(replica.Buffer, clock)
	r2 := n.join(replica.Buffer, clock)

	lost := 0
	n.drop = func(site ot.SiteID, msg protocol.Message) bool {
		if _, ok := msg.(protocol.EditRequest); ok && site == r1.Site() && lost < 2 {
			lost++
			return true
		}
		return false
	}
	wd := watchdog.New(r1, watchdog.Config{AckTimeout: time.Second, MaxRetries: 3, Now: clock})

	require.NoError(t, r1.GenerateLocal(context.Background(), ot.Insert{Position: 2, Text: "c"}))
	n.drain()
	assert.Equal(t, "ab", r2.Text())

	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Second)
		wd.Tick()
		n.drain()
	}
	assert.Equal(t, 2, lost)
	assert.Equal(t, "abc", r1.Text())
	assert.Equal(t, "abc", r2.Text())
	assert.Equal(t, replica.Idle, r1.State())
	assert.Zero(t, n.pushes)
}

// TestWatchdogEscalatesToResync loses every edit from one participant. After
// the retries are spent the participant resyncs, discarding its edit.
func TestWatchdogEscalatesToResync(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	n := newNetwork(t, protocol.Binary, "ab")
	r1 := n.join(replica.Buffer, clock)
	r2 := n.join(replica.Buffer, clock)
	n.drop = func(site ot.SiteID, msg protocol.Message) bool {
		_, edit := msg.(protocol.EditRequest)
		return edit && site == r1.Site()
	}
	wd := watchdog.New(r1, watchdog.Config{AckTimeout: time.Second, MaxRetries: 2, Now: clock})

	require.NoError(t, r1.GenerateLocal(context.Background(), ot.Insert{Position: 0, Text: "lost"}))
	require.NoError(t, r2.GenerateLocal(context.Background(), ot.Insert{Position: 2, Text: "!"}))
	n.drain()
	assert.Equal(t, "lostab!", r1.Text())

	for i := 0; i < 3; i++ {
		now = now.Add(10 * time.Second)
		wd.Tick()
		n.drain()
	}

	assert.Equal(t, replica.Idle, r1.State())
	assert.Equal(t, "ab!", r1.Text())
	assert.Equal(t, "ab!", r2.Text())
	assert.Equal(t, 1, n.pushes)
}

// TestWatchdogRepeatsLostResync loses the mediator's first recovery push.
// The repeated recovery request must be answered.
func TestWatchdogRepeatsLostResync(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	n := newNetwork(t, protocol.JSON, "ab")
	r1 := n.join(replica.Buffer, clock)
	r2 := n.join(replica.Buffer, clock)
	lost := 0
	n.lose = func(site ot.SiteID, msg protocol.Message) bool {
		if _, ok := msg.(protocol.RecoveryPush); ok && site == r1.Site() && lost == 0 {
			lost++
			return true
		}
		return false
	}
	var failure error
	wd := watchdog.New(r1, watchdog.Config{
		AckTimeout: time.Second,
		MaxRetries: 3,
		Now:        clock,
		OnFailure:  func(err error) { failure = err },
	})

	require.NoError(t, r1.RequestRecovery(errors.New("corrupted")))
	n.drain()
	assert.Equal(t, 1, lost)
	assert.Equal(t, replica.Recovering, r1.State())

	for i := 0; i < 6 && r1.State() != replica.Idle; i++ {
		now = now.Add(10 * time.Second)
		wd.Tick()
		n.drain()
	}
	require.NoError(t, failure)
	assert.Equal(t, replica.Idle, r1.State())
	assert.Equal(t, 2, n.pushes)

	require.NoError(t, r1.GenerateLocal(context.Background(), ot.Insert{Position: 2, Text: "!"}))
	n.drain()
	assert.Equal(t, "ab!", r1.Text())
	assert.Equal(t, "ab!", r2.Text())
}

// TestWatchdogDigestsAgree runs a session and has every replica report its
// digest; no report may trigger a resync.
func TestWatchdogDigestsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	n := newNetwork(t, protocol.JSON, "abc")
	var dogs []*watchdog.Watchdog
	for i := 0; i < 3; i++ {
		r := n.join(replica.Buffer, nil)
		site := r.Site()
		dogs = append(dogs, watchdog.New(r, watchdog.Config{Report: func(rep protocol.DigestReport) error {
			n.up[site] = append(n.up[site], n.encode(rep))
			return nil
		}}))
	}
	ids := n.med.Participants()
	ctx := context.Background()

	for step := 0; step < 200; step++ {
		i := rng.Intn(len(ids))
		site := ids[i]
		switch rng.Intn(4) {
		case 0:
			r := n.replicas[site]
			require.NoError(t, r.GenerateLocal(ctx, randomOp(rng, r.Text())))
		case 1:
			n.deliver(site, true)
		case 2:
			n.deliver(site, false)
		default:
			dogs[i].Tick()
		}
	}
	n.drain()
	for _, wd := range dogs {
		wd.Tick()
	}
	n.drain()

	assert.Zero(t, n.pushes)
}
