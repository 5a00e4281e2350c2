package transport

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcceptAssignsIncreasingBadges(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "unicorn.sock")
	ln, err := Listen(sockPath, nil)
	require.NoError(t, err)
	defer ln.Close()

	dialDone := make(chan struct{}, 2)
	go func() {
		c, err := net.Dial("unix", sockPath)
		require.NoError(t, err)
		defer c.Close()
		dialDone <- struct{}{}
	}()

	conn1, err := ln.Accept()
	require.NoError(t, err)
	<-dialDone
	require.Equal(t, uint64(1), conn1.Badge)

	go func() {
		c, err := net.Dial("unix", sockPath)
		require.NoError(t, err)
		defer c.Close()
		dialDone <- struct{}{}
	}()
	conn2, err := ln.Accept()
	require.NoError(t, err)
	<-dialDone
	require.Equal(t, uint64(2), conn2.Badge)
}

func TestListenRemovesStaleSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "unicorn.sock")
	ln1, err := Listen(sockPath, nil)
	require.NoError(t, err)
	ln1.Close()

	ln2, err := Listen(sockPath, nil)
	require.NoError(t, err)
	defer ln2.Close()
}
