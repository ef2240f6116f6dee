package relay

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

type RegistrySuite struct {
	suite.Suite
	store    *ChannelStore
	registry *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.store = newTestStore()
	s.registry = NewRegistry(s.store, 8)
}

func (s *RegistrySuite) TestRegister() {
	a, err := s.registry.Register("alice", &recorder{})
	s.Require().NoError(err)
	s.Equal(uint64(1), a.ID)
	s.Equal("alice", a.Username)

	b, err := s.registry.Register("  bob ", &recorder{})
	s.Require().NoError(err)
	s.Equal(uint64(2), b.ID)
	s.Equal("bob", b.Username)
	s.Equal(2, s.registry.Count())

	_, err = s.registry.Register("alice", &recorder{})
	s.ErrorIs(err, merr.ErrDuplicateUsername)
	s.Equal(merr.KindDuplicateUsername, merr.Kind(err))
	s.True(merr.IsRetryableErr(err))

	// 用户名区分大小写。
	_, err = s.registry.Register("Alice", &recorder{})
	s.NoError(err)

	got, ok := s.registry.Lookup("bob")
	s.True(ok)
	s.Same(b, got)
}

func (s *RegistrySuite) TestInvalidUsername() {
	for _, name := range []string{"", "   ", "two words", "bell\a", strings.Repeat("x", 9)} {
		_, err := s.registry.Register(name, &recorder{})
		s.ErrorIs(err, merr.ErrInvalidUsername, "%q", name)
	}
	s.Zero(s.registry.Count())

	_, err := s.registry.Register(strings.Repeat("é", 8), &recorder{})
	s.NoError(err)
}

func (s *RegistrySuite) TestUnregister() {
	alice, err := s.registry.Register("alice", &recorder{})
	s.Require().NoError(err)
	br := &recorder{}
	bob, err := s.registry.Register("bob", br)
	s.Require().NoError(err)
	_, err = s.store.JoinOrCreate("general", "", alice)
	s.Require().NoError(err)
	_, err = s.store.JoinOrCreate("general", "", bob)
	s.Require().NoError(err)
	br.reset()

	dep, ok := s.registry.Unregister(alice.ID)
	s.Require().True(ok)
	s.Equal("general", dep.Channel)
	s.Same(alice, dep.Member)
	s.Equal([]string{"bob"}, s.store.Members("general"))
	s.IsType(&protocol.UserLeft{}, br.last())

	_, ok = s.registry.Unregister(alice.ID)
	s.False(ok)
	s.Equal(1, s.registry.Count())

	// 用户名释放后可以重新登录，并获得新的会话 ID。
	again, err := s.registry.Register("alice", &recorder{})
	s.Require().NoError(err)
	s.NotEqual(alice.ID, again.ID)
	_, joined := s.store.Current(again.ID)
	s.False(joined)
}

func (s *RegistrySuite) TestDeliver() {
	r := &recorder{}
	m, err := s.registry.Register("alice", r)
	s.Require().NoError(err)

	s.NoError(s.registry.Deliver(m.ID, &protocol.System{Text: "hi"}))
	s.Equal(&protocol.System{Text: "hi"}, r.last())

	s.ErrorIs(s.registry.Deliver(999, &protocol.System{}), merr.ErrSessionNotFound)

	r.close()
	s.ErrorIs(s.registry.Deliver(m.ID, &protocol.System{}), merr.ErrSessionClosed)
}

func (s *RegistrySuite) TestBroadcast() {
	recorders := []*recorder{{}, {}, {}}
	for i, r := range recorders {
		_, err := s.registry.Register(string(rune('a'+i)), r)
		s.Require().NoError(err)
	}
	recorders[1].close()
	s.registry.Broadcast(&protocol.System{Text: "maintenance"})
	s.Len(recorders[0].all(), 1)
	s.Empty(recorders[1].all())
	s.Len(recorders[2].all(), 1)
}

func (s *RegistrySuite) TestConcurrentUniqueUsername() {
	const workers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Member
		dups    int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m, err := s.registry.Register("alice", &recorder{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, m)
				return
			}
			if merr.Kind(err) == merr.KindDuplicateUsername {
				dups++
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Len(winners, 1)
	s.Equal(workers-1, dups)
	s.Equal(1, s.registry.Count())
}

func (s *RegistrySuite) TestConcurrentIDsUnique() {
	const workers = 32
	var wg sync.WaitGroup
	ids := make([]uint64, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := s.registry.Register("u"+strings.Repeat("x", i%7)+string(rune('A'+i)), &recorder{})
			if err == nil {
				ids[i] = m.ID
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, workers)
	for _, id := range ids {
		s.NotZero(id)
		_, dup := seen[id]
		s.False(dup)
		seen[id] = struct{}{}
	}
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
