package signal

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/imtaco/conf-sfu/internal/log"
)

type ConnGuardSuite struct {
	suite.Suite
	guard ConnectionGuard
}

func TestConnGuardSuite(t *testing.T) {
	suite.Run(t, new(ConnGuardSuite))
}

func (s *ConnGuardSuite) SetupTest() {
	s.guard = NewConnGuard(log.NewNop())
}

func conn(connID, participantID string) *mockConn {
	return newMockConn(&rtcContext{connID: connID, participantID: participantID})
}

func (s *ConnGuardSuite) TestSecondConnectionRejected() {
	first := conn("c1", "alice")
	second := conn("c2", "alice")

	s.True(s.guard.MustHold(first.mctx))
	s.True(s.guard.MustHold(first.mctx))
	s.False(s.guard.MustHold(second.mctx))
	s.True(second.closed.Load())
	s.False(first.closed.Load())
}

func (s *ConnGuardSuite) TestReleaseByLoserKeepsOwner() {
	first := conn("c1", "alice")
	second := conn("c2", "alice")
	s.True(s.guard.MustHold(first.mctx))
	s.False(s.guard.MustHold(second.mctx))

	s.guard.Release(second.mctx)

	third := conn("c3", "alice")
	s.False(s.guard.MustHold(third.mctx))
}

func (s *ConnGuardSuite) TestReleaseFreesParticipant() {
	first := conn("c1", "alice")
	s.True(s.guard.MustHold(first.mctx))
	s.guard.Release(first.mctx)

	second := conn("c2", "alice")
	s.True(s.guard.MustHold(second.mctx))
}

func (s *ConnGuardSuite) TestDifferentParticipants() {
	s.True(s.guard.MustHold(conn("c1", "alice").mctx))
	s.True(s.guard.MustHold(conn("c2", "bob").mctx))
}
