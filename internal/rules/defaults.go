package rules

// Default returns the built-in rule table.
func Default() *Rules {
	urgent := []string{"emergency", "24/7", "same day", "open now"}
	band := func(min, max float64) *SpendBand { return &SpendBand{Min: min, Max: max} }

	r := &Rules{
		Verticals: map[string]VerticalRule{
			"auto_glass": {
				Keywords:         []string{"windshield", "auto glass", "windscreen", "chip repair", "glass repair", "glass replacement", "adas calibration", "rock chip"},
				PositioningTerms: []string{"same day", "mobile service"},
				Whitelisted:      true,
				SpendBand:        band(1500, 20000),
			},
			"plumbing": {
				Keywords:         []string{"plumber", "plumbing", "drain", "water heater", "sewer", "leak repair", "clogged", "pipe"},
				PositioningTerms: urgent,
				Whitelisted:      true,
			},
			"hvac": {
				Keywords:         []string{"hvac", "furnace", "air conditioning", "heat pump", "ac repair", "ductwork", "boiler", "heating and cooling"},
				PositioningTerms: urgent,
				Whitelisted:      true,
			},
			"roofing": {
				Keywords:         []string{"roofing", "roofer", "roof repair", "roof replacement", "shingles", "gutters", "storm damage"},
				PositioningTerms: []string{"emergency", "storm damage"},
				Whitelisted:      true,
				SpendBand:        band(2000, 40000),
			},
			"dental": {
				Keywords:         []string{"dentist", "dental", "teeth whitening", "invisalign", "orthodontist", "dental implants", "root canal"},
				PositioningTerms: []string{"emergency"},
				Whitelisted:      true,
			},
			"locksmith": {
				Keywords:         []string{"locksmith", "lockout", "rekey", "lock repair", "key cutting"},
				PositioningTerms: urgent,
				Whitelisted:      true,
				SpendBand:        band(500, 8000),
			},
			"landscaping": {
				Keywords:      []string{"landscaping", "lawn care", "lawn mowing", "landscape design", "yard cleanup", "hardscaping", "sod"},
				PainOverrides: map[string]float64{"emergency": 2.0},
				Whitelisted:   true,
				SpendBand:     band(500, 10000),
			},
			"legal": {
				Keywords:      []string{"lawyer", "attorney", "law firm", "personal injury", "legal advice", "divorce"},
				PainOverrides: map[string]float64{"free consultation": 0},
				Whitelisted:   false,
			},
		},
		PainTerms: []Term{
			{Term: "going out of business", Weight: 3.0},
			{Term: "closing down", Weight: 3.0},
			{Term: "under new management", Weight: 1.5},
			{Term: "new ownership", Weight: 1.5},
			{Term: "clearance", Weight: 1.5},
			{Term: "emergency", Weight: 1.5},
			{Term: "urgent", Weight: 1.0},
			{Term: "24/7", Weight: 1.0},
			{Term: "same day", Weight: 1.0},
			{Term: "last chance", Weight: 1.0},
			{Term: "now hiring", Weight: 1.0},
			{Term: "price match", Weight: 1.0},
			{Term: "limited time", Weight: 0.5},
			{Term: "free consultation", Weight: 0.5},
			{Term: "free estimate", Weight: 0.5},
			{Term: "call now", Weight: 0.5},
			{Term: "financing available", Weight: 0.5},
		},
		NonBusinessPatterns: []string{
			`\$\s?\d{1,3}(,\d{3})+(\.\d{2})?\s*(obo)?\s*$`,
			`(?i)\bobo\b`,
			`(?i)\bfor sale by owner\b`,
			`(?i)\b(truck|camper|trailer|sedan|pickup|motorhome|rv)\b.*\$\s?\d`,
			`(?i)\b(19|20)\d{2}\s+(ford|chevy|chevrolet|dodge|ram|toyota|honda|gmc)\b`,
			`(?i)\bmust sell\b`,
		},
		DirectoryDomains: []string{
			"facebook.com", "instagram.com", "tiktok.com", "x.com", "twitter.com", "youtube.com",
			"linkedin.com", "google.com", "yelp.com", "yellowpages.com", "yellowpages.ca",
			"bbb.org", "angi.com", "homeadvisor.com", "thumbtack.com", "houzz.com",
			"nextdoor.com", "craigslist.org", "kijiji.ca", "linktr.ee", "wix.com",
		},
		AnalyticsTechnologies:  []string{"google analytics", "ga4", "google tag manager", "adobe analytics", "matomo", "plausible", "segment"},
		ConversionTechnologies: []string{"meta pixel", "facebook pixel", "google ads conversion", "tiktok pixel", "linkedin insight tag", "microsoft uet"},
		DefaultSpendBand:       SpendBand{Min: 1000, Max: 25000},
	}

	if err := r.Compile(); err != nil {
		panic(err)
	}
	return r
}
