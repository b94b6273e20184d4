// Package types defines the simulation model the engine reads: simulations
// (exercises), injects and their injector contracts, teams and users, and
// assets with the agents installed on them.
//
// These types are detached snapshots. Stores return copies, and nothing in the
// engine mutates the simulation model except the inject's UpdatedAt stamp.
//
//	inj := types.Inject{
//	    ID:         "inj-1",
//	    ExerciseID: "ex-1",
//	    Enabled:    true,
//	    TeamIDs:    []string{"team-red"},
//	    Contract:   &types.InjectorContract{ID: "c-sms", InjectorType: "openbas_ovh_sms"},
//	}
package types
