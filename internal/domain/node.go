package domain

// Node is a live AECU node of the cluster.
type Node struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}
