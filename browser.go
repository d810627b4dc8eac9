package mpptdbg

import (
	"os/exec"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Opens url in the desktop's default browser. Failure is only logged; the
// console works without a browser.
func OpenBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start"}
	case "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	err := exec.Command(cmd, args...).Start()
	if err != nil {
		logrus.WithField("url", url).WithError(err).Warn("failed to start web browser automatically")
	}
}
