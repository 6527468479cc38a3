package evtc

import "fmt"

// bossNames maps header species ids to display names.
var bossNames = map[uint16]string{
	1: "World vs World",

	// Spirit Vale
	15438: "Vale Guardian",
	15429: "Gorseval",
	15375: "Sabetha",
	// Salvation Pass
	16123: "Slothasor",
	16088: "Bandit Trio",
	16115: "Matthias",
	// Stronghold of the Faithful
	16253: "Escort",
	16235: "Keep Construct",
	16246: "Xera",
	// Bastion of the Penitent
	17194: "Cairn",
	17172: "Mursaat Overseer",
	17188: "Samarog",
	17154: "Deimos",
	// Hall of Chains
	19767: "Soulless Horror",
	19828: "River of Souls",
	19691: "Broken King",
	19536: "Eater of Souls",
	19651: "Eyes",
	19450: "Dhuum",
	// Mythwright Gambit
	43974: "Conjured Amalgamate",
	21105: "Twin Largos",
	20934: "Qadim",
	// Key of Ahdashim
	22006: "Cardinal Adina",
	21964: "Cardinal Sabir",
	22000: "Qadim the Peerless",

	// Strike missions
	22154: "Icebrood Construct",
	22343: "Fraenir of Jormag",
	22481: "Boneskinner",
	22315: "Whisper of Jormag",
	22521: "Voice & Claw",
	22711: "Cold War",
	22836: "Ankka",
	23957: "Minister Li",
	24033: "Harvest Temple",
	24375: "Old Lion's Court",
	25577: "Dagda",
	26231: "Cerus",

	// Golems
	16199: "Standard Kitty Golem",
	19645: "Medium Kitty Golem",
	19676: "Large Kitty Golem",
}

// BossName returns the display name for a header species id.
func BossName(id uint16) string {
	if name, ok := bossNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown encounter (%d)", id)
}
