package feed

import (
	"fmt"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

func JobKey(session string, id types.JobID) string {
	return fmt.Sprintf("evtc:%s:job:%d", session, id)
}

func SummaryKey(session string) string {
	return fmt.Sprintf("evtc:%s:summary", session)
}

func UpdatesChannel(session string) string {
	return fmt.Sprintf("evtc:%s:updates", session)
}
