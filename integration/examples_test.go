//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("BTL_TEST_EXAMPLES") == "" {
		s.T().Skip("set BTL_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestSmsgBasic() {
	out := s.runExample("examples/smsg_basic")
	s.Contains(out, "btl.smsg.sent=32")
}

func (s *ExampleSuite) TestRDMAHandles() {
	out := s.runExample("examples/rdma_handles")
	s.Contains(out, "device 0: 1/2 contexts free")
	s.Contains(out, "device 1: 2/2 contexts free")
}

func (s *ExampleSuite) TestBtlsimRun() {
	out := s.runExample("cmd/btlsim", "run", "--ranks", "3", "--messages", "50", "--log-level", "warn")
	s.Contains(out, "ranks=3 sent=300 received=300")
}

func (s *ExampleSuite) runExample(relPath string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "./" + relPath}, args...)...)
	cmd.Env = os.Environ()
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
