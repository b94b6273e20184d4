package types

// User is a simulation participant reachable by human-facing executors.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Firstname    string `json:"firstname,omitempty"`
	Lastname     string `json:"lastname,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// HasPhone reports whether the user can receive SMS.
func (u User) HasPhone() bool {
	return u.Phone != ""
}

// ExerciseTeamUser enables a team member for one specific simulation.
type ExerciseTeamUser struct {
	ExerciseID string `json:"exercise_id"`
	TeamID     string `json:"team_id"`
	UserID     string `json:"user_id"`
}

// Team groups users. ExerciseTeamUsers records which members are enabled in
// which simulation; a member may belong to the team without being enabled.
type Team struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Users             []User             `json:"users,omitempty"`
	ExerciseTeamUsers []ExerciseTeamUser `json:"exercise_team_users,omitempty"`
}

// EnabledIn returns the team members enabled in the given simulation, in team
// order.
func (t Team) EnabledIn(exerciseID string) []User {
	enabled := make(map[string]bool, len(t.ExerciseTeamUsers))
	for _, etu := range t.ExerciseTeamUsers {
		if etu.ExerciseID == exerciseID && etu.TeamID == t.ID {
			enabled[etu.UserID] = true
		}
	}

	users := make([]User, 0, len(enabled))
	for _, u := range t.Users {
		if enabled[u.ID] {
			users = append(users, u)
		}
	}
	return users
}
