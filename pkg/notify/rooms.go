package notify

// Room names follow "{type}-{id}". Every connection joins its user room and,
// when present in its identity, its agency and team rooms.

func UserRoom(id string) string   { return "user-" + id }
func TeamRoom(id string) string   { return "team-" + id }
func AgencyRoom(id string) string { return "agency-" + id }

// RoomsFor maps an envelope target onto the local rooms it must reach.
func RoomsFor(env Envelope) []string {
	rooms := make([]string, 0, len(env.TargetIDs))
	for _, id := range env.TargetIDs {
		if id == "" {
			continue
		}
		switch env.TargetType {
		case TargetUser, TargetUsers:
			rooms = append(rooms, UserRoom(id))
		case TargetTeam:
			rooms = append(rooms, TeamRoom(id))
		case TargetAgency:
			rooms = append(rooms, AgencyRoom(id))
		}
	}
	return rooms
}

// RoomsForIdentity lists the rooms a new connection joins.
func RoomsForIdentity(id Identity) []string {
	rooms := []string{UserRoom(id.UserID)}
	if id.AgencyID != "" {
		rooms = append(rooms, AgencyRoom(id.AgencyID))
	}
	if id.TeamID != "" {
		rooms = append(rooms, TeamRoom(id.TeamID))
	}
	return rooms
}
