package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ollamad/internal/logger"
	"github.com/loykin/ollamad/internal/state"
)

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) > 0 {
		n := copy(p, f.data)
		f.data = f.data[n:]
		return n, nil
	}
	return 0, f.err
}

func TestAttachTagsAndOrdersPerStream(t *testing.T) {
	repo := state.New()
	defer repo.Close()

	var out, errs strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&out, "o%02d\n", i)
		fmt.Fprintf(&errs, "e%02d\n", i)
	}
	m := New(repo)
	r := m.Attach(context.Background(), strings.NewReader(out.String()), strings.NewReader(errs.String()))
	require.True(t, r.Wait(2*time.Second))

	var gotOut, gotErr []string
	for _, l := range repo.Log() {
		switch l.Origin {
		case state.OriginStdout:
			gotOut = append(gotOut, l.Text)
		case state.OriginStderr:
			gotErr = append(gotErr, l.Text)
		default:
			t.Fatalf("unexpected origin %q", l.Origin)
		}
	}
	require.Len(t, gotOut, 50)
	require.Len(t, gotErr, 50)
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("o%02d", i), gotOut[i])
		assert.Equal(t, fmt.Sprintf("e%02d", i), gotErr[i])
	}
}

func TestReadErrorEndsOnlyThatReader(t *testing.T) {
	repo := state.New()
	defer repo.Close()

	bad := &failingReader{data: []byte("partial\n"), err: errors.New("device gone")}
	m := New(repo)
	r := m.Attach(context.Background(), strings.NewReader("fine-1\nfine-2\n"), bad)
	require.True(t, r.Wait(2*time.Second))

	var sys []string
	var outs int
	for _, l := range repo.Log() {
		switch l.Origin {
		case state.OriginSystem:
			sys = append(sys, l.Text)
		case state.OriginStdout:
			outs++
		}
	}
	assert.Equal(t, 2, outs)
	require.Len(t, sys, 1)
	assert.Contains(t, sys[0], "device gone")
	assert.Contains(t, sys[0], "stderr")
}

func TestClosedPipeIsNotReported(t *testing.T) {
	repo := state.New()
	defer repo.Close()

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pw.Close()

	m := New(repo)
	r := m.Attach(context.Background(), pr, nil)
	_, _ = io.WriteString(pw, "one\n")
	require.Eventually(t, func() bool { return repo.Len() == 1 }, time.Second, 5*time.Millisecond)
	_ = pr.Close()
	require.True(t, r.Wait(2*time.Second))
	assert.Equal(t, 1, repo.Len())
}

func TestHookSeesEveryLine(t *testing.T) {
	repo := state.New()
	defer repo.Close()

	var mu sync.Mutex
	seen := map[state.Origin]int{}
	m := New(repo, WithHook(func(o state.Origin, _ string) {
		mu.Lock()
		seen[o]++
		mu.Unlock()
	}))
	r := m.Attach(context.Background(), strings.NewReader("a\nb\n"), strings.NewReader("c\n"))
	require.True(t, r.Wait(time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen[state.OriginStdout])
	assert.Equal(t, 1, seen[state.OriginStderr])
}

func TestLongLinesAccepted(t *testing.T) {
	repo := state.New()
	defer repo.Close()
	long := strings.Repeat("x", 200*1024)
	r := New(repo).Attach(context.Background(), strings.NewReader(long+"\n"), nil)
	require.True(t, r.Wait(time.Second))
	log := repo.Log()
	require.Len(t, log, 1)
	assert.Len(t, log[0].Text, len(long))
}

func TestOverlongLineIsSplitAndReadingContinues(t *testing.T) {
	repo := state.New()
	defer repo.Close()
	pr, pw := io.Pipe()
	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(pw, "before\n"+strings.Repeat("x", MaxLineBytes+10)+"\nafter\n")
		_ = pw.Close()
		written <- err
	}()

	r := New(repo).Attach(context.Background(), pr, nil)
	require.True(t, r.Wait(5*time.Second))
	require.NoError(t, <-written)

	log := repo.Log()
	require.Len(t, log, 4)
	assert.Equal(t, "before", log[0].Text)
	assert.Len(t, log[1].Text, MaxLineBytes)
	assert.Equal(t, strings.Repeat("x", 10), log[2].Text)
	assert.Equal(t, "after", log[3].Text)
	for _, l := range log {
		assert.Equal(t, state.OriginStdout, l.Origin)
	}
}

func TestLineOfExactlyMaxBytes(t *testing.T) {
	repo := state.New()
	defer repo.Close()
	line := strings.Repeat("y", MaxLineBytes)
	r := New(repo).Attach(context.Background(), strings.NewReader(line+"\nnext\n"), nil)
	require.True(t, r.Wait(5*time.Second))
	log := repo.Log()
	require.Len(t, log, 2)
	assert.Len(t, log[0].Text, MaxLineBytes)
	assert.Equal(t, "next", log[1].Text)
}

func TestTeeWritesRotatingFiles(t *testing.T) {
	dir := t.TempDir()
	tee, err := NewTee(logger.Config{File: logger.FileConfig{Dir: dir}}, "ollama")
	require.NoError(t, err)
	require.NotNil(t, tee)

	repo := state.New()
	defer repo.Close()
	r := New(repo, WithTee(tee)).Attach(context.Background(), strings.NewReader("to-out\n"), strings.NewReader("to-err\n"))
	require.True(t, r.Wait(time.Second))
	require.NoError(t, tee.Close())

	b, err := os.ReadFile(filepath.Join(dir, "ollama.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "to-out\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "ollama.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "to-err\n", string(b))
}

func TestNewTeeWithoutDestination(t *testing.T) {
	tee, err := NewTee(logger.Config{}, "ollama")
	require.NoError(t, err)
	assert.Nil(t, tee)
}

func TestParseEvalCount(t *testing.T) {
	cases := []struct {
		line string
		want int64
		ok   bool
	}{
		{`{"model":"llama3","eval_count":42,"done":true}`, 42, true},
		{`{"model":"llama3","done":false}`, 0, false},
		{`time=2024-05-01 level=DEBUG msg="done" eval_count=17`, 17, true},
		{`llama_print_timings:        eval time =  1234.56 ms /   128 runs   (9.64 ms per token)`, 128, true},
		{`llama_print_timings: prompt eval time = 50.00 ms / 12 tokens`, 0, false},
		{`[GIN] 2024/05/01 - 200 | POST "/api/generate"`, 0, false},
		{``, 0, false},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			n, ok := ParseEvalCount(c.line)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, n)
		})
	}
}
