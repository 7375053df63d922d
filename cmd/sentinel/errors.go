package main

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"syscall"
)

// ActionableError represents an error with user-friendly guidance.
type ActionableError struct {
	What  string // What failed (short summary)
	Cause error  // Technical error details
	Fix   string // Actionable guidance
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format returns the full actionable error message for display.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.What)
	sb.WriteString("\nCause: ")
	sb.WriteString(e.Cause.Error())
	sb.WriteString("\nFix:   ")
	sb.WriteString(e.Fix)
	return sb.String()
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(addr string) string {
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		port = addr[idx+1:]
	}

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       sentinel collect --listen localhost:%d`, port, port, portNum(port)+1)

	case "darwin":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       sentinel collect --listen localhost:%d`, port, port, portNum(port)+1)

	default:
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       sentinel collect --listen localhost:%d`, port, port, port, portNum(port)+1)
	}
}

// portNum converts port string to int, returns 0 on error.
func portNum(port string) int {
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

// cachePathFix returns instructions for fixing offline cache path issues.
func cachePathFix(path string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot open the offline cache. Check the path exists and is writable:
       if not exist "%s" echo missing

       Or point to a different cache:
       set SENTINEL_CACHE_PATH=C:\Users\%%USERNAME%%\sentinel-queue.db`, path)

	default:
		return fmt.Sprintf(`Cannot open the offline cache. Check the path exists and is writable:
       ls -l "%s"
       mkdir -p "$(dirname '%s')"

       Or point to a different cache:
       export SENTINEL_CACHE_PATH=~/sentinel-queue.db`, path, path)
	}
}

// configLoadFix returns instructions for fixing config loading issues.
func configLoadFix(configPath string) string {
	if configPath == "" {
		return `No valid configuration found. Provide the required settings:
       export SENTINEL_APP_ID=my-app
       export SENTINEL_USER_KEY=user-1
       export SENTINEL_REPORT_URL=http://localhost:8787/report

       Or pass a YAML file with --config.`
	}
	return fmt.Sprintf(`Config file is missing settings or invalid:
       %s

       Check the file contains valid YAML with appId, userKey and reportUrl.
       SENTINEL_* environment variables override file values.`, configPath)
}

// isAddrInUse checks if an error is a failed bind on a busy port.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "Only one usage of each socket address")
}

// isPermissionError checks if an error is permission-related.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "access is denied") ||
		strings.Contains(errStr, "Access is denied")
}
