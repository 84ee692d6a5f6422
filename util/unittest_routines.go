package util

import (
  "encoding/json"
  "fmt"
  "strings"
  "testing"
)

func asJsonStrings(val interface{}, expected interface{}) (string, string) {
  var val_str, expected_str []byte
  var val_err, expected_err error
  val_str, val_err = json.MarshalIndent(val, "", "  ")
  expected_str, expected_err = json.MarshalIndent(expected, "", "  ")
  if val_err != nil || expected_err != nil {
    Fatalf("cannot marshal to json string: %v%v, %v/%v", val, val_err, expected, expected_err)
  }
  return string(val_str), string(expected_str)
}

func fmtAssertMsg(err_msg string, got string, expected string) string {
  const max_len = 1024
  if len(got) > max_len { got = got[:max_len] }
  if len(expected) > max_len { expected = expected[:max_len] }
  return fmt.Sprintf("%s:\ngot: %s\n !=\nexp: %s\n", err_msg, got, expected)
}

// Returns 0 if equal
func EqualsOrFailTest(t *testing.T, err_msg string, val interface{}, expected interface{}) int {
  t.Helper()
  val_str, expected_str := asJsonStrings(val, expected)
  comp_res := strings.Compare(val_str, expected_str)
  if comp_res != 0 {
    t.Error(fmtAssertMsg(err_msg, val_str, expected_str))
    return comp_res
  }
  return 0
}
