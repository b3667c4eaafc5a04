package testutils

import (
	"fmt"
	"runtime"
	"testing"
)

func ErrorHere(test testing.TB, str string, args ...interface{}) {
	ErrorLevel(test, 2, str, args...)
}

func FatalHere(test testing.TB, str string, args ...interface{}) {
	_, file, line, _ := runtime.Caller(1)
	info := fmt.Sprintf("[%s:%d] ", file, line)
	test.Fatalf(info+str, args...)
}

func ErrorLevel(test testing.TB, level int, str string, args ...interface{}) {
	_, file, line, _ := runtime.Caller(level)
	info := fmt.Sprintf("[%s:%d] ", file, line)
	test.Errorf(info+str, args...)
}

// MustPanic runs fn and returns the value it panicked with, failing the test
// if it returned normally.
func MustPanic(test testing.TB, fn func()) (x interface{}) {
	defer func() {
		x = recover()
		if x == nil {
			test.Errorf("expected a panic")
		}
	}()
	fn()
	return nil
}
