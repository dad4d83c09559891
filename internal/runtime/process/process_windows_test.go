//go:build windows

package process

func signalZero(int) bool { return false }
