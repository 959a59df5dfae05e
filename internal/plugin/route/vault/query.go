package vault

import "fmt"

func fmtSscanf(s string, i *int) (int, error) {
	return fmt.Sscanf(s, "%d", i)
}
