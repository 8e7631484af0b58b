package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/unitd/internal/logger"
)

// Spec describes one process to spawn for a unit.
type Spec struct {
	Unit       string        `json:"unit"`
	Command    string        `json:"command"`
	WorkDir    string        `json:"work_dir,omitempty"`
	Env        []string      `json:"env,omitempty"`      // unit environment, "K=V"
	PIDFile    string        `json:"pid_file,omitempty"` // read back after spawn
	ExtraFiles []*os.File    `json:"-"`                  // fd 3 onwards
	Log        logger.Config `json:"-"`
}

// shellMeta are the characters that need /bin/sh when found outside quotes.
const shellMeta = "|&;<>$`(){}*?~\n"

var errUnterminated = errors.New("unterminated quote")

// BuildCommand returns the command of s. Command is split into words with
// shell quoting rules and executed directly; it runs through /bin/sh -c
// when it uses shell syntax outside quotes or cannot be split.
func (s *Spec) BuildCommand() *exec.Cmd {
	line := strings.TrimSpace(s.Command)
	if line == "" {
		return exec.Command("/bin/true")
	}
	argv, shell, err := splitWords(line)
	if err != nil || shell {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", line)
	}
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...)
}

// splitWords splits line on unquoted blanks. Single quotes are literal,
// double quotes and bare words honor backslash escapes. shell reports
// unquoted shell syntax.
func splitWords(line string) (argv []string, shell bool, err error) {
	var (
		word   strings.Builder
		inWord bool
		quote  byte
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				word.WriteByte(c)
			}
		case quote == '"':
			switch {
			case c == '"':
				quote = 0
			case c == '\\' && i+1 < len(line) && strings.IndexByte(`"\$`+"`", line[i+1]) >= 0:
				i++
				word.WriteByte(line[i])
			default:
				word.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote, inWord = c, true
		case c == '\\' && i+1 < len(line):
			i++
			word.WriteByte(line[i])
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				argv = append(argv, word.String())
				word.Reset()
				inWord = false
			}
		default:
			if strings.IndexByte(shellMeta, c) >= 0 {
				shell = true
			}
			word.WriteByte(c)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, shell, errUnterminated
	}
	if inWord {
		argv = append(argv, word.String())
	}
	return argv, shell, nil
}
