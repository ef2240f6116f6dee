package relay

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

type ChannelStoreSuite struct {
	suite.Suite
	store    *ChannelStore
	registry *Registry
}

func (s *ChannelStoreSuite) SetupTest() {
	s.store = newTestStore()
	s.registry = NewRegistry(s.store, 32)
}

func (s *ChannelStoreSuite) member(name string) (*Member, *recorder) {
	r := &recorder{}
	m, err := s.registry.Register(name, r)
	s.Require().NoError(err)
	return m, r
}

func (s *ChannelStoreSuite) join(channel, password string, m *Member) *JoinOutcome {
	outcome, err := s.store.JoinOrCreate(channel, password, m)
	s.Require().NoError(err)
	return outcome
}

func (s *ChannelStoreSuite) publish(m *Member, n int) {
	for i := 1; i <= n; i++ {
		_, err := s.store.Publish(m, []byte(fmt.Sprintf("m%d", i)))
		s.Require().NoError(err)
	}
}

func (s *ChannelStoreSuite) TestJoinCreatesChannel() {
	alice, ar := s.member("alice")
	outcome := s.join("general", "", alice)
	s.Equal("general", outcome.Channel)
	s.Empty(outcome.History)
	s.False(outcome.AlreadyMember)

	res, ok := ar.last().(*protocol.JoinResult)
	s.Require().True(ok)
	s.True(res.Success)
	s.Equal("general", res.Channel)
	s.Empty(res.History)

	s.Equal([]string{"general"}, s.store.ListChannels())
	current, ok := s.store.Current(alice.ID)
	s.True(ok)
	s.Equal("general", current)
	s.Equal([]string{"alice"}, s.store.Members("general"))
}

func (s *ChannelStoreSuite) TestListChannelsSorted() {
	m, _ := s.member("alice")
	for _, name := range []string{"zeta", "Alpha", "beta", "alpha"} {
		s.join(name, "", m)
	}
	s.Require().NoError(s.store.Ensure("gamma"))
	s.Require().NoError(s.store.Ensure("beta"))
	s.Equal([]string{"Alpha", "alpha", "beta", "gamma", "zeta"}, s.store.ListChannels())
}

func (s *ChannelStoreSuite) TestInvalidChannelName() {
	m, _ := s.member("alice")
	for _, name := range []string{"", "   ", "two words", "tab\tname", strings.Repeat("a", 65)} {
		_, err := s.store.JoinOrCreate(name, "", m)
		s.ErrorIs(err, merr.ErrInvalidChannelName, "%q", name)
	}
	s.Empty(s.store.ListChannels())
	s.ErrorIs(s.store.Ensure(""), merr.ErrInvalidChannelName)

	_, err := s.store.JoinOrCreate("  padded ", "", m)
	s.NoError(err)
	s.Equal([]string{"padded"}, s.store.ListChannels())
}

func (s *ChannelStoreSuite) TestHistoryBound() {
	alice, _ := s.member("alice")
	s.join("general", "", alice)
	s.publish(alice, HistoryLimit+50)

	s.Equal(HistoryLimit, s.store.HistoryLen("general"))
	_, envs, err := s.store.History(alice.ID, "general", HistoryLimit)
	s.Require().NoError(err)
	s.Require().Len(envs, HistoryLimit)
	s.Equal("m51", string(envs[0].Payload))
	s.Equal("m150", string(envs[len(envs)-1].Payload))
	for i := 1; i < len(envs); i++ {
		s.Less(envs[i-1].ID, envs[i].ID)
	}
}

func (s *ChannelStoreSuite) TestJoinSnapshot() {
	alice, _ := s.member("alice")
	s.join("general", "", alice)
	s.publish(alice, 101)

	bob, br := s.member("bob")
	outcome := s.join("general", "", bob)
	s.Require().Len(outcome.History, SnapshotSize)
	for i, env := range outcome.History {
		s.Equal(fmt.Sprintf("m%d", 52+i), string(env.Payload))
		s.Equal("alice", env.Sender)
		s.Equal("general", env.Channel)
	}
	res := br.last().(*protocol.JoinResult)
	s.Equal(outcome.History, res.History)
	s.Equal(HistoryLimit, s.store.HistoryLen("general"))

	// 少于快照条数时全部返回。
	carol, _ := s.member("carol")
	s.join("quiet", "", alice)
	s.publish(alice, 3)
	outcome = s.join("quiet", "", carol)
	s.Len(outcome.History, 3)
}

func (s *ChannelStoreSuite) TestPasswordGating() {
	owner, _ := s.member("owner")
	s.join("private", "pw", owner)
	s.publish(owner, 2)

	guest, gr := s.member("guest")
	for _, pw := range []string{"wrong", ""} {
		_, err := s.store.JoinOrCreate("private", pw, guest)
		s.ErrorIs(err, merr.ErrWrongPassword)
		s.Equal(merr.KindWrongPassword, merr.Kind(err))
		_, joined := s.store.Current(guest.ID)
		s.False(joined)
		s.Equal([]string{"owner"}, s.store.Members("private"))
	}
	s.Empty(gr.all())

	outcome := s.join("private", "pw", guest)
	s.Len(outcome.History, 2)
	s.Equal([]string{"guest", "owner"}, s.store.Members("private"))

	// 不带密码的频道忽略提供的密码。
	s.join("open", "", owner)
	s.join("open", "anything", guest)
}

func (s *ChannelStoreSuite) TestPresenceAndSwitch() {
	alice, ar := s.member("alice")
	bob, br := s.member("bob")
	s.join("general", "", alice)
	ar.reset()

	s.join("general", "", bob)
	joined, ok := ar.last().(*protocol.UserJoined)
	s.Require().True(ok)
	s.Equal(protocol.UserJoined{Channel: "general", Username: "bob"}, *joined)
	ar.reset()
	br.reset()

	outcome := s.join("random", "", bob)
	s.Equal("general", outcome.Previous)
	left, ok := ar.last().(*protocol.UserLeft)
	s.Require().True(ok)
	s.Equal(protocol.UserLeft{Channel: "general", Username: "bob"}, *left)
	s.Equal([]string{"alice"}, s.store.Members("general"))
	s.Equal([]string{"bob"}, s.store.Members("random"))
	// 切换者自己只收到新频道的 JoinResult。
	s.Require().Len(br.all(), 1)
	s.IsType(&protocol.JoinResult{}, br.last())
}

func (s *ChannelStoreSuite) TestRejoinSameChannel() {
	alice, ar := s.member("alice")
	bob, _ := s.member("bob")
	s.join("general", "", alice)
	s.join("general", "", bob)
	ar.reset()

	outcome := s.join("general", "", bob)
	s.True(outcome.AlreadyMember)
	s.Empty(outcome.Previous)
	s.Empty(ar.all())
	s.Equal([]string{"alice", "bob"}, s.store.Members("general"))
}

func (s *ChannelStoreSuite) TestLeave() {
	alice, ar := s.member("alice")
	bob, _ := s.member("bob")
	s.join("general", "", alice)
	s.join("general", "", bob)
	ar.reset()

	name, ok := s.store.Leave(bob.ID)
	s.True(ok)
	s.Equal("general", name)
	s.IsType(&protocol.UserLeft{}, ar.last())

	_, ok = s.store.Leave(bob.ID)
	s.False(ok)
	s.Equal([]string{"alice"}, s.store.Members("general"))

	_, err := s.store.Publish(bob, []byte("x"))
	s.ErrorIs(err, merr.ErrNotInChannel)
	// 频道在所有成员离开后仍然存在。
	s.store.Leave(alice.ID)
	s.Equal([]string{"general"}, s.store.ListChannels())
}

func (s *ChannelStoreSuite) TestPublishFanOut() {
	alice, ar := s.member("alice")
	bob, br := s.member("bob")
	carol, cr := s.member("carol")
	s.join("general", "", alice)
	s.join("general", "", bob)
	s.join("other", "", carol)

	env, err := s.store.Publish(alice, []byte("hi"))
	s.Require().NoError(err)
	s.Equal("alice", env.Sender)
	s.NotZero(env.Timestamp)
	s.Equal([]protocol.Envelope{env}, ar.broadcasts())
	s.Equal([]protocol.Envelope{env}, br.broadcasts())
	s.Empty(cr.broadcasts())
}

func (s *ChannelStoreSuite) TestDeadHandleDoesNotBlockFanOut() {
	alice, _ := s.member("alice")
	bob, br := s.member("bob")
	carol, cr := s.member("carol")
	for _, m := range []*Member{alice, bob, carol} {
		s.join("general", "", m)
	}
	br.close()

	_, err := s.store.Publish(alice, []byte("hi"))
	s.Require().NoError(err)
	s.Len(cr.broadcasts(), 1)
	s.Equal(1, s.store.HistoryLen("general"))
}

func (s *ChannelStoreSuite) TestAppend() {
	alice, _ := s.member("alice")
	s.join("general", "", alice)

	members, err := s.store.Append("general", protocol.Envelope{ID: 7, Channel: "general"})
	s.Require().NoError(err)
	s.Require().Len(members, 1)
	s.Equal(alice.ID, members[0].ID)
	s.Equal(1, s.store.HistoryLen("general"))

	_, err = s.store.Append("missing", protocol.Envelope{})
	s.ErrorIs(err, merr.ErrChannelNotFound)
}

func (s *ChannelStoreSuite) TestHistoryQuery() {
	alice, _ := s.member("alice")
	bob, _ := s.member("bob")
	s.join("general", "", alice)
	s.publish(alice, 120)

	name, envs, err := s.store.History(alice.ID, "", 0)
	s.Require().NoError(err)
	s.Equal("general", name)
	s.Len(envs, SnapshotSize)

	_, envs, err = s.store.History(alice.ID, "general", 5)
	s.Require().NoError(err)
	s.Equal("m120", string(envs[4].Payload))

	_, envs, err = s.store.History(alice.ID, "general", 1000)
	s.Require().NoError(err)
	s.Len(envs, HistoryLimit)

	_, _, err = s.store.History(bob.ID, "general", 10)
	s.ErrorIs(err, merr.ErrNotInChannel)
	_, _, err = s.store.History(bob.ID, "", 10)
	s.ErrorIs(err, merr.ErrNotInChannel)
	_, _, err = s.store.History(alice.ID, "missing", 10)
	s.ErrorIs(err, merr.ErrNotInChannel)
}

func TestChannelStore(t *testing.T) {
	suite.Run(t, new(ChannelStoreSuite))
}
