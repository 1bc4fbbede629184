package session

import (
	"context"
	"testing"
	"time"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type SessionSuite struct{}

var _ = Suite(&SessionSuite{})

func (s *SessionSuite) TestNoLogindShortCircuits(c *C) {
	l := NewLogind(true)
	active, err := l.GraphicalSessionsActive(context.Background())
	c.Assert(err, IsNil)
	c.Check(active, Equals, false)

	err = l.WaitUntilAllLoggedOut(context.Background(), time.Second)
	c.Assert(err, IsNil)

	release, err := l.InhibitSleep(context.Background(), "test")
	c.Assert(err, IsNil)
	release() // must not panic
	release() // must be idempotent
}

func (s *SessionSuite) TestIsTimeoutOnlyMatchesTimeoutError(c *C) {
	c.Check(IsTimeout(&timeoutError{}), Equals, true)
	c.Check(IsTimeout(nil), Equals, false)
	c.Check(IsTimeout(context.DeadlineExceeded), Equals, false)
}

