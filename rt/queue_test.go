package rt_test

import (
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
)

func TestQueueConcurrentPushPop(t *testing.T) {
	const producers, perProducer = 4, 10000
	q := rt.NewQueue[int](256)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Push(p*perProducer + i) {
					runtime.Gosched()
				}
			}
		}(p)
	}
	seen := make([]bool, producers*perProducer)
	var mu sync.Mutex
	var consumers sync.WaitGroup
	remaining := producers * perProducer
	for c := 0; c < 3; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				mu.Lock()
				done := remaining == 0
				mu.Unlock()
				if done {
					return
				}
				v, ok := q.Pop()
				if !ok {
					runtime.Gosched()
					continue
				}
				mu.Lock()
				if seen[v] {
					mu.Unlock()
					t.Errorf("value %d popped twice", v)
					return
				}
				seen[v] = true
				remaining--
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	consumers.Wait()
	for v, ok := range seen {
		if !ok {
			t.Fatalf("value %d was never popped", v)
		}
	}
}

func TestQueueFullAndEmpty(t *testing.T) {
	q := rt.NewQueue[int](3) // rounded up to 4
	for i := 0; i < 4; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	if q.Push(4) {
		t.Fatalf("push into a full queue succeeded")
	}
	for i := 0; i < 4; i++ {
		if v, ok := q.Pop(); !ok || v != i {
			t.Fatalf("pop: got %d, %v, expected %d", v, ok, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop from an empty queue succeeded")
	}
}

func TestRingWrapsAround(t *testing.T) {
	r := rt.NewRing[float32](8)
	buf := make([]float32, 8)
	next, want := float32(0), float32(0)
	for k := 0; k < 20; k++ {
		src := []float32{next, next + 1, next + 2, next + 3, next + 4}
		if n := r.Write(src); n != 5 {
			t.Fatalf("round %d: wrote %d, expected 5", k, n)
		}
		next += 5
		n := r.Read(buf)
		if n != 5 {
			t.Fatalf("round %d: read %d, expected 5", k, n)
		}
		for _, x := range buf[:n] {
			if x != want {
				t.Fatalf("round %d: got %v, expected %v", k, x, want)
			}
			want++
		}
	}
	if n := r.Write(make([]float32, 10)); n != 8 {
		t.Fatalf("overfull write stored %d, expected 8", n)
	}
	if r.Push(1) {
		t.Fatalf("push into a full ring succeeded")
	}
}

func TestMergeEventsOrdering(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		srcs := make([][]patchbay.MIDIEvent, 1+rnd.Intn(5))
		total := 0
		for s := range srcs {
			frame := int32(0)
			for k := rnd.Intn(20); k > 0; k-- {
				frame += int32(rnd.Intn(3))
				// Data[1] carries the stream, Data[2] the position in it
				srcs[s] = append(srcs[s], patchbay.MIDIEvent{Frame: frame, Len: 3, Data: [3]byte{0x90, byte(s), byte(len(srcs[s]))}})
				total++
			}
		}
		out := rt.MergeEvents(make([]patchbay.MIDIEvent, 0, total), srcs, make([]int, len(srcs)))
		if len(out) != total {
			t.Fatalf("merged %d events, expected %d", len(out), total)
		}
		next := make([]byte, len(srcs))
		for i, ev := range out {
			if i > 0 {
				prev := out[i-1]
				if ev.Frame < prev.Frame {
					t.Fatalf("event %d at frame %d after frame %d", i, ev.Frame, prev.Frame)
				}
				if ev.Frame == prev.Frame && ev.Data[1] < prev.Data[1] {
					t.Fatalf("event %d: stream %d merged after stream %d at the same frame", i, ev.Data[1], prev.Data[1])
				}
			}
			if ev.Data[2] != next[ev.Data[1]] {
				t.Fatalf("stream %d lost its relative order", ev.Data[1])
			}
			next[ev.Data[1]]++
		}
	}
}

func TestMergeEventsDropsOverflow(t *testing.T) {
	a := []patchbay.MIDIEvent{patchbay.NoteOn(0, 0, 60, 1), patchbay.NoteOn(2, 0, 61, 1)}
	b := []patchbay.MIDIEvent{patchbay.NoteOn(1, 0, 62, 1)}
	out := rt.MergeEvents(make([]patchbay.MIDIEvent, 0, 2), [][]patchbay.MIDIEvent{a, b}, make([]int, 2))
	if len(out) != 2 || out[0] != a[0] || out[1] != b[0] {
		t.Fatalf("unexpected merge result %v", out)
	}
}
