package main

// room is one named broadcast domain: its member set and the policy that
// governs it. Rooms are owned by the hub and only ever touched under the
// hub's lock; the policy instance itself must be concurrency-safe.
type room struct {
	name    string
	policy  policy
	static  bool
	members map[*connection]struct{}
}

func newRoom(name string, p policy, static bool) *room {
	return &room{
		name:    name,
		policy:  p,
		static:  static,
		members: make(map[*connection]struct{}),
	}
}

// memberList copies the member set. Iteration order is map order,
// intentionally unordered.
func (r *room) memberList() []*connection {
	members := make([]*connection, 0, len(r.members))
	for c := range r.members {
		members = append(members, c)
	}
	return members
}
