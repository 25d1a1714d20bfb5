package relational

import "encoding/json"

func marshalCounters(counters map[string]int64) ([]byte, error) {
	if len(counters) == 0 {
		return nil, nil
	}
	return json.Marshal(counters)
}

func unmarshalCounters(data []byte) (map[string]int64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var counters map[string]int64
	if err := json.Unmarshal(data, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}
