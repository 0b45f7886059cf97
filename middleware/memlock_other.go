//go:build !linux

package middleware

func mlock(b []byte) error   { return nil }
func munlock(b []byte) error { return nil }
