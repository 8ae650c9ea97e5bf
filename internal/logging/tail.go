package logging

import (
	"bufio"
	"os"
)

// FileName is the project log file inside .chainforge/logs.
const FileName = "chainforge.log"

// Tail returns up to maxLines of the most recent lines in path along with the
// total line count. A missing file yields no lines.
func Tail(path string, maxLines int) ([]string, int) {
	if maxLines <= 0 {
		return nil, 0
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		total++
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	if len(lines) == 0 {
		return nil, total
	}
	return lines, total
}
