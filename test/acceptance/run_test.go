package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("kitops --once-only", func() {
	var tmpDir string
	var remoteDir string
	var stateFile string
	var repoDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "kitops-acceptance-*")
		Expect(err).NotTo(HaveOccurred())

		remoteDir = filepath.Join(tmpDir, "remote")
		runGit(tmpDir, "init", "--bare", remoteDir)

		workDir := filepath.Join(tmpDir, "seed")
		runGit(tmpDir, "clone", remoteDir, workDir)
		runGit(workDir, "checkout", "-b", "main")
		writeFile(filepath.Join(workDir, "hello.txt"), "hello\n")
		runGit(workDir, "add", "hello.txt")
		runGit(workDir, "commit", "-m", "initial commit")
		runGit(workDir, "push", "origin", "main")

		stateFile = filepath.Join(tmpDir, "state.yaml")
		repoDir = filepath.Join(tmpDir, "mirrors")
		Expect(os.MkdirAll(repoDir, 0755)).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	runOnce := func(action string, timeout string) ([]byte, error) {
		args := []string{
			"--once-only",
			"--state-file", stateFile,
			"--repo-dir", repoDir,
			"--url", remoteDir,
			"--branch", "main",
			"--action", action,
		}
		if timeout != "" {
			args = append(args, "--timeout", timeout)
		}
		cmd := exec.Command(binaryPath, args...)
		return cmd.CombinedOutput()
	}

	It("runs commands on first observation and advances state", func() {
		out, err := runOnce("echo hello > seen.txt", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))

		st := readState(stateFile, remoteDir)
		Expect(st.CurrentSHA).NotTo(BeEmpty())
		Expect(st.CurrentSHA).NotTo(Equal("0000000000000000000000000000000000000000"))
	})

	It("runs no commands when the tip commit is unchanged", func() {
		out, err := runOnce("true", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		first := readState(stateFile, remoteDir)

		out, err = runOnce("echo should-not-run > marker.txt", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		second := readState(stateFile, remoteDir)

		Expect(second.CurrentSHA).To(Equal(first.CurrentSHA))
	})

	It("leaves state unchanged when the command fails", func() {
		out, err := runOnce("false", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))

		st := readState(stateFile, remoteDir)
		Expect(st.CurrentSHA).To(BeEmpty())
	})

	It("leaves state unchanged when the action's executable does not exist", func() {
		args := []string{
			"--once-only",
			"--state-file", stateFile,
			"--repo-dir", repoDir,
			"--url", remoteDir,
			"--branch", "main",
			"--action", "/no/such/file",
		}
		cmd := exec.Command(binaryPath, args...)
		out, err := cmd.CombinedOutput()
		_ = out
		Expect(err).NotTo(HaveOccurred())

		st := readState(stateFile, remoteDir)
		Expect(st.CurrentSHA).To(BeEmpty())
	})

	It("times out a long-running command", func() {
		out, err := runOnce("sleep 60", "10ms")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))

		st := readState(stateFile, remoteDir)
		Expect(st.CurrentSHA).To(BeEmpty())
	})

	It("follows a force-push back to an earlier commit", func() {
		out, err := runOnce("true", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		afterC1 := readState(stateFile, remoteDir)

		workDir := filepath.Join(tmpDir, "seed")
		writeFile(filepath.Join(workDir, "again.txt"), "again\n")
		runGit(workDir, "add", "again.txt")
		runGit(workDir, "commit", "-m", "second commit")
		runGit(workDir, "push", "origin", "main")

		out, err = runOnce("true", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		afterC2 := readState(stateFile, remoteDir)
		Expect(afterC2.CurrentSHA).NotTo(Equal(afterC1.CurrentSHA))

		runGit(workDir, "reset", "--hard", "HEAD~1")
		runGit(workDir, "push", "--force", "origin", "main")

		out, err = runOnce("true", "")
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		afterForcePush := readState(stateFile, remoteDir)
		Expect(afterForcePush.CurrentSHA).To(Equal(afterC1.CurrentSHA))
	})
})

type taskState struct {
	NextRun    time.Time `yaml:"next_run"`
	CurrentSHA string    `yaml:"current_sha"`
}

func readState(stateFile, taskName string) taskState {
	data, err := os.ReadFile(stateFile)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	var all map[string]taskState
	ExpectWithOffset(1, yaml.Unmarshal(data, &all)).To(Succeed())
	st, ok := all[taskName]
	if !ok {
		return taskState{}
	}
	return st
}

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func writeFile(path, content string) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}
