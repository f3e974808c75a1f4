package ttyd

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
)

func newTestManager(t *testing.T, basePort int) *Manager {
	t.Helper()
	m := NewManager(config.TtydConfig{Path: "/bin/sleep", BasePort: basePort}, "tmux")
	m.spawn = func(port int, script string) *exec.Cmd {
		return exec.Command("sleep", "60")
	}
	m.probe = func(port int) bool { return true }
	t.Cleanup(m.StopAll)
	return m
}

func TestStartAndStopTerminal(t *testing.T) {
	m := newTestManager(t, 47681)

	port, err := m.StartTerminal("s1", "demo", "%1")
	if err != nil {
		t.Fatalf("StartTerminal() error = %v", err)
	}
	if port < 47681 {
		t.Errorf("port = %d", port)
	}
	if got, ok := m.Port("s1"); !ok || got != port {
		t.Errorf("Port() = %d, %v", got, ok)
	}

	if _, err := m.StartTerminal("s1", "demo", "%1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start = %v, want ErrAlreadyRunning", err)
	}

	if err := m.StopTerminal("s1"); err != nil {
		t.Fatalf("StopTerminal() error = %v", err)
	}
	if _, ok := m.Port("s1"); ok {
		t.Error("port still registered after stop")
	}
	if err := m.StopTerminal("s1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("double stop = %v, want ErrNotRunning", err)
	}
}

func TestPortAllocationSkipsBusyPorts(t *testing.T) {
	base := 47700

	// Occupy the base port so allocation has to move past it.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer ln.Close()

	m := newTestManager(t, base)
	p1, err := m.StartTerminal("s1", "demo", "%1")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == base {
		t.Errorf("allocated busy port %d", p1)
	}

	p2, err := m.StartTerminal("s2", "demo", "%2")
	if err != nil {
		t.Fatal(err)
	}
	if p2 == p1 || p2 == base {
		t.Errorf("ports collide: %d %d", p1, p2)
	}
}

func TestConcurrentStartsGetDistinctPorts(t *testing.T) {
	m := newTestManager(t, 47800)

	var wg sync.WaitGroup
	ports := make(chan int, 4)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("s%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.StartTerminal(id, "demo", "%1")
			if err != nil {
				t.Errorf("start %s: %v", id, err)
				return
			}
			ports <- p
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for p := range ports {
		if seen[p] {
			t.Errorf("port %d allocated twice", p)
		}
		seen[p] = true
	}
}

func TestReadinessTimeout(t *testing.T) {
	m := newTestManager(t, 47900)
	m.probe = func(port int) bool { return false }

	// Shrink the wait by failing fast through a dead child.
	m.spawn = func(port int, script string) *exec.Cmd {
		return exec.Command("true")
	}

	start := time.Now()
	_, err := m.StartTerminal("s1", "demo", "%1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if time.Since(start) > readyTimeout+2*time.Second {
		t.Error("readiness wait overran its deadline")
	}
	if _, ok := m.Port("s1"); ok {
		t.Error("failed terminal left registered")
	}
}

func TestReapOnProcessExit(t *testing.T) {
	m := newTestManager(t, 48000)
	m.spawn = func(port int, script string) *exec.Cmd {
		return exec.Command("true")
	}

	if _, err := m.StartTerminal("s1", "demo", "%1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Port("s1"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("exited terminal never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnavailableBinary(t *testing.T) {
	m := NewManager(config.TtydConfig{BasePort: 48100}, "tmux")
	if m.IsAvailable() {
		t.Skip("ttyd present on PATH")
	}
	if _, err := m.StartTerminal("s1", "demo", "%1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}
