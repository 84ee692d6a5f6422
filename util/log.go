package util

import (
  "encoding/json"
  "fmt"
  "log"
  "runtime"
)

// Nicer than '%v' for structs with pointers.
func AsJson(obj interface{}) string {
  str, err := json.MarshalIndent(obj, "", "  ")
  if err != nil { return fmt.Sprintf("%v", obj) }
  return string(str)
}

func Fatalf(format string, v ...interface{}) {
  log.Printf("[FATAL] " + format, v...)
  buf := make([]byte, 4096)
  cnt := runtime.Stack(buf, /*all=*/false)
  log.Fatalf("Stack:\n%s", buf[:cnt])
}

func Infof(format string, v ...interface{}) {
  log.Printf(format, v...)
}

var debug_enabled = true

func SetDebug(enabled bool) { debug_enabled = enabled }

func Debugf(format string, v ...interface{}) {
  if !debug_enabled { return }
  log.Printf(format, v...)
}

func Warnf(format string, v ...interface{}) {
  log.Printf("[WARN] " + format, v...)
}
