package sshtunnel

import (
	"context"
	"net"
	"os/exec"
	"testing"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestHandlerResolveEngineHost(t *testing.T) {
	type scenario struct {
		testName                 string
		runtime                  config.Runtime
		envVarValue              string
		expectedDialContextCount int
		expectedStartCmdCount    int
	}

	scenarios := []scenario{
		{
			testName:                 "no env var set",
			runtime:                  config.RuntimeDocker,
			envVarValue:              "",
			expectedDialContextCount: 0,
			expectedStartCmdCount:    0,
		},
		{
			testName:                 "non-ssh scheme passes through untouched",
			runtime:                  config.RuntimeDocker,
			envVarValue:              "tcp://myhost.com:2375",
			expectedDialContextCount: 0,
			expectedStartCmdCount:    0,
		},
		{
			testName:                 "ssh scheme opens a tunnel",
			runtime:                  config.RuntimePodman,
			envVarValue:              "ssh://myhost@192.168.5.178",
			expectedDialContextCount: 1,
			expectedStartCmdCount:    1,
		},
	}

	for _, s := range scenarios {
		s := s
		t.Run(s.testName, func(t *testing.T) {
			wantEnvVar := "DOCKER_HOST"
			if s.runtime == config.RuntimePodman {
				wantEnvVar = "CONTAINER_HOST"
			}

			dialCount := 0
			startCount := 0

			h := NewHandler(logrus.NewEntry(logrus.New()), &fakeKiller{})
			h.getenv = func(key string) string {
				if key == wantEnvVar {
					return s.envVarValue
				}
				return ""
			}
			h.tempDir = func(dir, pattern string) (string, error) {
				return "/tmp/swe-harness-ssh-test", nil
			}
			h.startCmd = func(cmd *exec.Cmd) error {
				startCount++
				return nil
			}
			h.dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				dialCount++
				c1, c2 := net.Pipe()
				_ = c2
				return c1, nil
			}

			host, closer, err := h.ResolveEngineHost(context.Background(), s.runtime)
			assert.NoError(t, err)
			assert.Equal(t, s.expectedDialContextCount, dialCount)
			assert.Equal(t, s.expectedStartCmdCount, startCount)

			if s.envVarValue == "" {
				assert.Equal(t, "", host)
				assert.Nil(t, closer)
			}
		})
	}
}

type fakeKiller struct{}

func (*fakeKiller) Kill(cmd *exec.Cmd) error     { return nil }
func (*fakeKiller) PrepareForChildren(*exec.Cmd) {}
