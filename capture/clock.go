package capture

import "time"

func defaultNowNs() uint64 {
	return uint64(time.Now().UnixNano())
}
