package matching

// jaroWinkler computes the Jaro-Winkler similarity between two strings.
// Inputs are expected to be normalized already; the result is in [0, 1].
func jaroWinkler(s1, s2 string) float64 {
	if s1 == s2 {
		return 1
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0
	}

	jaro := jaroSimilarity(s1, s2)

	// Winkler bonus for a common prefix, capped at 4 characters.
	prefix := 0
	for i := 0; i < len(s1) && i < len(s2) && i < 4; i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1-jaro)
}

func jaroSimilarity(s1, s2 string) float64 {
	matchWindow := len(s2) / 2
	if len(s1)/2 > matchWindow {
		matchWindow = len(s1) / 2
	}
	matchWindow--
	if matchWindow < 0 {
		matchWindow = 0
	}

	matched1 := make([]bool, len(s1))
	matched2 := make([]bool, len(s2))

	matches := 0
	for i := range s1 {
		lo := i - matchWindow
		if lo < 0 {
			lo = 0
		}
		hi := i + matchWindow + 1
		if hi > len(s2) {
			hi = len(s2)
		}
		for j := lo; j < hi; j++ {
			if matched2[j] || s1[i] != s2[j] {
				continue
			}
			matched1[i] = true
			matched2[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range s1 {
		if !matched1[i] {
			continue
		}
		for !matched2[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}
	transpositions /= 2

	m := float64(matches)
	return (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(transpositions))/m) / 3
}
