package daemon

import (
	"fmt"
	"net"
	"strconv"

	"github.com/quernlabs/quern/internal/model"
)

// DefaultPort is where the HTTP server starts its scan. The proxy scans
// from the chosen server port plus one.
const DefaultPort = 9100

// portScanLimit bounds how far a scan walks before giving up.
const portScanLimit = 100

// FindFreePort returns the first bindable localhost port at or after
// |start|, skipping any port in |taken|.
func FindFreePort(start int, taken ...int) (int, error) {
	for port := start; port < start+portScanLimit; port++ {
		if contains(taken, port) {
			continue
		}
		var ln, err = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, model.Errf(model.KindInternal,
		"no free port in %d-%d", start, start+portScanLimit-1)
}

// Listen binds the server listener on localhost.
func Listen(port int) (net.Listener, error) {
	var ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding port %d: %w", port, err)
	}
	return ln, nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
