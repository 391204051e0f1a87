package syncache

import "fmt"

// ObjectQuery fetches one entity by type and primary key.
type ObjectQuery struct {
	*query
}

func (q *ObjectQuery) preFetch(bool) Request {
	return Request{
		Key:        q.key,
		Kind:       KindObject,
		EntityType: q.key.entityType,
		PrimaryKey: q.key.desc,
	}
}

func (q *ObjectQuery) handleFetch(b *Batch, _ Request, resp Response) error {
	if _, err := stageObjects(b, q.s, q.key.entityType, resp.Objects); err != nil {
		return err
	}
	if resp.Value == nil {
		b.Delete(q.key)
		return nil
	}
	obj, ok := asObject(resp.Value)
	if !ok {
		return fmt.Errorf("object value of type %T is not an object", resp.Value)
	}
	b.Replace(q.key, obj, StatusLoaded)
	return nil
}

// stageObjects writes the entities carried by a response into b and returns
// their keys in order.
func stageObjects(b *Batch, s *Store, defaultType string, objs []Object) ([]*CacheKey, error) {
	keys := make([]*CacheKey, 0, len(objs))
	for i, o := range objs {
		if o.PK == nil {
			return nil, fmt.Errorf("object %d: missing primary key", i)
		}
		k := s.ObjectKey(coalesce(o.Type, defaultType), o.PK)
		b.Write(k, o.Props, StatusLoaded)
		keys = append(keys, k)
	}
	return keys, nil
}
