package queue

import "encoding/json"

func encodeJob(j Job) ([]byte, error)  { return json.Marshal(j) }
func decodeJob(b []byte, j *Job) error { return json.Unmarshal(b, j) }
