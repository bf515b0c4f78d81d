// Result codes reported to the filesystem layer. These mirror the DRESULT
// values of the FatFs disk I/O layer so a C shim can pass them through as-is.

package errors

import (
	"fmt"
)

type Result int

var messagesByResult map[Result]string

const (
	ResultOK Result = iota
	ResultError
	ResultWriteProtected
	ResultNotReady
	ResultParamError
)

func init() {
	messagesByResult = make(map[Result]string, 5)
	messagesByResult[ResultOK] = "Success"
	messagesByResult[ResultError] = "Input/output error"
	messagesByResult[ResultWriteProtected] = "Medium is write protected"
	messagesByResult[ResultNotReady] = "Device not ready"
	messagesByResult[ResultParamError] = "Invalid parameter"
}

func (r Result) String() string {
	return StrResult(r)
}

func StrResult(code Result) string {
	message, ok := messagesByResult[code]
	if ok {
		return message
	}
	return fmt.Sprintf("result %d not recognized.", int(code))
}
