// Package instance names the running process for lock owner tokens and logs.
package instance

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

const envInstanceID = "KEYMART_INSTANCE_ID"

var id = sync.OnceValue(func() string { return resolve(os.Getenv, os.Hostname, os.Getpid()) })

// GetID returns KEYMART_INSTANCE_ID when set, otherwise "<hostname>-<pid>" so
// two processes on one host never share a lock owner. The value is fixed for
// the life of the process.
func GetID() string {
	return id()
}

func resolve(getenv func(string) string, hostname func() (string, error), pid int) string {
	if v := strings.TrimSpace(getenv(envInstanceID)); v != "" {
		return v
	}
	host, err := hostname()
	if err != nil || host == "" {
		host = "keymart"
	}
	return host + "-" + strconv.Itoa(pid)
}
