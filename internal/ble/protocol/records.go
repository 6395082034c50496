package protocol

// SplitRecords splits payload into consecutive size-byte windows. The last
// window is shorter when len(payload) is not a multiple of size. Windows
// alias payload. Returns nil for an empty payload or a non-positive size.
func SplitRecords(payload []byte, size int) [][]byte {
	if len(payload) == 0 || size <= 0 {
		return nil
	}

	records := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := size
		if len(payload) < n {
			n = len(payload)
		}
		records = append(records, payload[:n:n])
		payload = payload[n:]
	}
	return records
}
