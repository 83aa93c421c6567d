package runtime

import (
	"encoding/json"

	"github.com/dataflux-func/dataflux-func/internal/timex"
)

func jsonUnmarshal(raw string, dest any) error {
	return json.Unmarshal([]byte(raw), dest)
}

func isValidCron(expr string) bool {
	return timex.IsValidCronExpr(expr)
}

func isFiveFieldCron(expr string) bool {
	return timex.IsFiveFieldCronExpr(expr)
}
